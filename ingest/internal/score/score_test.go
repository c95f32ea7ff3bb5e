package score

import (
	"os"
	"strings"
	"testing"
	"time"
)

func keywords(t *testing.T) *Keywords {
	t.Helper()
	k, err := DefaultKeywords()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestThreatScore_HighValueArticle(t *testing.T) {
	// WHAT: An article carrying LOLBAS names, a registry path, and a CVE id
	// crosses the auto-trigger threshold of 80.
	// WHY: This is the handoff contract with the detection workflow.
	content := `The actor used rundll32 to proxy execution and certutil.exe to
download the second stage. Persistence was established under
HKLM\Software\Microsoft\Windows\CurrentVersion\Run. The initial access
exploited CVE-2026-11223 on the perimeter gateway. We observed the
following in DeviceProcessEvents telemetry with ProcessCommandLine
containing the encoded command.`

	res := keywords(t).ThreatScore("Hunting a Loader Campaign", content)
	if res.Score < 80 {
		t.Fatalf("score = %d, want >= 80 (matched %v, depth %d)", res.Score, res.Matched, res.TechDepth)
	}
	if res.Score > 100 {
		t.Fatalf("score = %d, exceeds cap", res.Score)
	}
	if len(res.Matched) < 3 {
		t.Errorf("matched = %v, want several tokens", res.Matched)
	}
	if res.TechDepth < 10 {
		t.Errorf("tech depth = %d, want cve+registry at least", res.TechDepth)
	}
}

func TestThreatScore_BenignArticle(t *testing.T) {
	// WHAT: Ordinary tech content scores near zero.
	content := `We rewrote our frontend build pipeline to use a faster bundler.
The migration took two weeks and cut CI times in half. Developer feedback
has been positive and the team is now exploring further optimizations.`
	res := keywords(t).ThreatScore("Faster Frontend Builds", content)
	if res.Score > 15 {
		t.Fatalf("score = %d for benign content (matched %v)", res.Score, res.Matched)
	}
}

func TestThreatScore_DistinctMatchesNotOccurrences(t *testing.T) {
	// WHAT: Repeating one token does not inflate the score.
	once := keywords(t).ThreatScore("t", "the sample invoked mimikatz here")
	many := keywords(t).ThreatScore("t", strings.Repeat("mimikatz ", 50))
	if many.Score > once.Score {
		t.Errorf("repetition raised score: %d > %d", many.Score, once.Score)
	}
}

func TestThreatScore_Cap(t *testing.T) {
	k := keywords(t)
	var sb strings.Builder
	for _, kw := range append(append(append([]string{}, k.Perfect...), k.LOLBAS...), k.Good...) {
		sb.WriteString(kw)
		sb.WriteString(" ")
	}
	sb.WriteString(` CVE-2026-0001 0xdeadbeef HKLM\Run C:\Windows\System32\evil.dll `)
	res := k.ThreatScore("everything", sb.String())
	if res.Score != 100 {
		t.Fatalf("score = %d, want capped at 100", res.Score)
	}
}

func TestTechDepth(t *testing.T) {
	cases := []struct {
		name string
		text string
		min  int
	}{
		{"cve", "exploits CVE-2026-12345 in the wild", 5},
		{"registry", `persists via HKCU\Software\Run`, 5},
		{"hash", "sample sha256 " + strings.Repeat("ab", 32), 5},
		{"code", "```\npowershell -enc SQBFAFgA\n```", 5},
		{"plain", "no technical artifacts at all", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := techDepth(tc.text)
			if tc.min == 0 && got != 0 {
				t.Errorf("depth = %d, want 0", got)
			}
			if got < tc.min {
				t.Errorf("depth = %d, want >= %d", got, tc.min)
			}
		})
	}
}

func TestLoadKeywords_Override(t *testing.T) {
	// WHAT: An operator override file replaces the embedded sets.
	dir := t.TempDir()
	path := dir + "/kw.yaml"
	if err := writeFile(path, "perfect_discriminators: [customtoken]\n"); err != nil {
		t.Fatal(err)
	}
	k, err := LoadKeywords(path)
	if err != nil {
		t.Fatal(err)
	}
	res := k.ThreatScore("t", "we saw customtoken in logs")
	if res.Score != 15 {
		t.Fatalf("score = %d, want 15", res.Score)
	}
}

func TestLoadKeywords_EmptyRejected(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/kw.yaml"
	if err := writeFile(path, "perfect_discriminators: []\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeywords(path); err == nil {
		t.Fatal("empty keyword file should be rejected")
	}
}

func TestQuality_LongFreshTechnical(t *testing.T) {
	// WHAT: Long, fresh, code-bearing content with an informative title
	// scores well above the 0.3 reject threshold.
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	content := strings.Repeat("Detailed analysis of the intrusion chain with concrete telemetry. ", 40) +
		"\n```\nSELECT * FROM DeviceProcessEvents\n```\n"
	r := Quality("Detecting DLL Sideloading Through Telemetry", content, now.AddDate(0, 0, -7), now)
	if r.Score < 0.6 {
		t.Fatalf("score = %.2f, want >= 0.6 (%+v)", r.Score, r)
	}
}

func TestQuality_ShortStaleLinkFarm(t *testing.T) {
	// WHAT: A short, old, link-dominated blurb falls under the reject
	// threshold.
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	content := "Check these out: a (http://x/1) b (http://x/2) c (http://x/3) d (http://x/4)"
	r := Quality("Links", content, now.AddDate(-3, 0, 0), now)
	if r.Score >= 0.3 {
		t.Fatalf("score = %.2f, want < 0.3 (%+v)", r.Score, r)
	}
}

func TestQuality_MissingDateNeutral(t *testing.T) {
	// WHAT: A zero published date scores neutral freshness, not zero.
	now := time.Now()
	r := Quality("Some Reasonable Title", strings.Repeat("body ", 200), time.Time{}, now)
	if r.Freshness != 0.5 {
		t.Errorf("freshness = %.2f, want 0.5", r.Freshness)
	}
}

func TestTitleInformativeness(t *testing.T) {
	if titleInformativeness("") != 0 {
		t.Error("empty title should score 0")
	}
	low := titleInformativeness("how to do it and why you will")
	high := titleInformativeness("CVE-2026-11223 exploitation detected")
	if low >= high {
		t.Errorf("stopword title %.2f should score below technical title %.2f", low, high)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
