// Package catalog provides seed source collections for the collection
// pipeline.
//
// Each category contains a curated set of CTI sources (vendor research
// blogs, CERT advisories, independent research) that can be bulk-inserted
// at init time for quick bootstrapping.
package catalog

import (
	"context"
	"fmt"
)

// SourceDef describes a source to be inserted.
type SourceDef struct {
	Identifier     string
	Name           string
	URL            string
	RSSURL         string
	Weight         float64
	CheckFrequency int // seconds, default 1800
	Categories     []string
}

// categories maps category names to their source definitions.
var categories = map[string][]SourceDef{
	"cti-vendors": {
		{Identifier: "unit42", Name: "Palo Alto Unit 42", URL: "https://unit42.paloaltonetworks.com/",
			RSSURL: "https://unit42.paloaltonetworks.com/feed/", Weight: 2.0, Categories: []string{"vendor", "research"}},
		{Identifier: "talos", Name: "Cisco Talos Intelligence", URL: "https://blog.talosintelligence.com/",
			RSSURL: "https://blog.talosintelligence.com/rss/", Weight: 2.0, Categories: []string{"vendor", "research"}},
		{Identifier: "msrc-blog", Name: "Microsoft Security Blog", URL: "https://www.microsoft.com/en-us/security/blog/",
			RSSURL: "https://www.microsoft.com/en-us/security/blog/feed/", Weight: 1.8, Categories: []string{"vendor"}},
		{Identifier: "crowdstrike", Name: "CrowdStrike Blog", URL: "https://www.crowdstrike.com/blog/",
			RSSURL: "https://www.crowdstrike.com/blog/feed/", Weight: 1.8, Categories: []string{"vendor"}},
		{Identifier: "mandiant", Name: "Mandiant Threat Intelligence", URL: "https://cloud.google.com/blog/topics/threat-intelligence/",
			RSSURL: "https://cloud.google.com/blog/topics/threat-intelligence/rss/", Weight: 2.0, Categories: []string{"vendor", "research"}},
		{Identifier: "sentinelone", Name: "SentinelLabs", URL: "https://www.sentinelone.com/labs/",
			RSSURL: "https://www.sentinelone.com/labs/feed/", Weight: 1.5, Categories: []string{"vendor", "research"}},
		{Identifier: "eset-welivesecurity", Name: "ESET WeLiveSecurity", URL: "https://www.welivesecurity.com/",
			RSSURL: "https://www.welivesecurity.com/en/rss/feed/", Weight: 1.5, Categories: []string{"vendor"}},
	},
	"cert": {
		{Identifier: "cisa-advisories", Name: "CISA Cybersecurity Advisories", URL: "https://www.cisa.gov/news-events/cybersecurity-advisories",
			RSSURL: "https://www.cisa.gov/cybersecurity-advisories/all.xml", Weight: 2.0, CheckFrequency: 900, Categories: []string{"cert", "advisory"}},
		{Identifier: "cert-fr", Name: "CERT-FR Avis", URL: "https://www.cert.ssi.gouv.fr/",
			RSSURL: "https://www.cert.ssi.gouv.fr/feed/", Weight: 1.5, Categories: []string{"cert", "advisory"}},
		{Identifier: "ncsc-uk", Name: "NCSC UK Reports", URL: "https://www.ncsc.gov.uk/section/keep-up-to-date/all",
			RSSURL: "https://www.ncsc.gov.uk/api/1/services/v1/all-rss-feed.xml", Weight: 1.5, Categories: []string{"cert"}},
	},
	"research": {
		{Identifier: "dfir-report", Name: "The DFIR Report", URL: "https://thedfirreport.com/",
			RSSURL: "https://thedfirreport.com/feed/", Weight: 2.0, Categories: []string{"research", "dfir"}},
		{Identifier: "krebs", Name: "Krebs on Security", URL: "https://krebsonsecurity.com/",
			RSSURL: "https://krebsonsecurity.com/feed/", Weight: 1.2, Categories: []string{"research", "news"}},
		{Identifier: "virus-bulletin", Name: "Virus Bulletin", URL: "https://www.virusbulletin.com/blog/",
			Weight: 1.0, CheckFrequency: 3600, Categories: []string{"research"}},
		{Identifier: "malware-traffic", Name: "Malware Traffic Analysis", URL: "https://www.malware-traffic-analysis.net/",
			Weight: 1.2, CheckFrequency: 3600, Categories: []string{"research", "dfir"}},
	},
	"news": {
		{Identifier: "bleepingcomputer", Name: "BleepingComputer Security", URL: "https://www.bleepingcomputer.com/news/security/",
			RSSURL: "https://www.bleepingcomputer.com/feed/", Weight: 1.0, CheckFrequency: 900, Categories: []string{"news"}},
		{Identifier: "thehackernews", Name: "The Hacker News", URL: "https://thehackernews.com/",
			RSSURL: "https://feeds.feedburner.com/TheHackersNews", Weight: 1.0, CheckFrequency: 900, Categories: []string{"news"}},
		{Identifier: "securityweek", Name: "SecurityWeek", URL: "https://www.securityweek.com/",
			RSSURL: "https://www.securityweek.com/feed/", Weight: 1.0, Categories: []string{"news"}},
	},
}

// Categories returns the list of available category names.
func Categories() []string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	return names
}

// Sources returns the source definitions for a category.
func Sources(category string) ([]SourceDef, bool) {
	defs, ok := categories[category]
	return defs, ok
}

// Populate inserts all sources from a category through addSource.
// Returns the number inserted; insert errors (duplicates included) skip
// the entry.
func Populate(ctx context.Context, addSource func(ctx context.Context, def *SourceDef) error, category string) (int, error) {
	defs, ok := categories[category]
	if !ok {
		return 0, fmt.Errorf("catalog: unknown category %q", category)
	}

	var count int
	for _, def := range defs {
		if def.Weight == 0 {
			def.Weight = 1.0
		}
		if def.CheckFrequency == 0 {
			def.CheckFrequency = 1800
		}
		if err := addSource(ctx, &def); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
