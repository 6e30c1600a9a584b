package ocr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFilterGibberish_PreservesTimestamp implements scenario S6: the
// filtered output must still contain the timestamp verbatim and must not
// leave any run of 4+ consecutive single-letter tokens.
func TestFilterGibberish_PreservesTimestamp(t *testing.T) {
	input := "aaa bb c d e f ThuFeb19 12:01AM xx y z q r"
	out := filterGibberish(input)

	require.Contains(t, out, "ThuFeb19 12:01AM")
	assert.False(t, hasSingleLetterRun(out, 4), "output still has a 4-consecutive single-letter run: %q", out)
}

func hasSingleLetterRun(text string, minRun int) bool {
	run := 0
	for _, tok := range strings.Fields(text) {
		if isSingleLetterToken(tok) {
			run++
			if run >= minRun {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}

func TestCleanOcrText_CollapsesWhitespaceAndStripsNonASCII(t *testing.T) {
	out := cleanOcrText("hello\t\tworld\n\nfooébar")
	assert.Equal(t, "hello world foobar", out)
}

func TestExtractFileNames_PlainAndEllipsisAndDedup(t *testing.T) {
	text := "open report.pdf then report.PDF again, and quarterly-rep…rt.pdf too"
	names := extractFileNames(text)

	assert.Contains(t, names, "report.pdf")
	found := false
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), "quarterly") {
			found = true
		}
	}
	assert.True(t, found, "expected ellipsis-reconstructed file name, got %v", names)

	lower := make(map[string]int)
	for _, n := range names {
		lower[strings.ToLower(n)]++
	}
	for name, count := range lower {
		assert.Equal(t, 1, count, "duplicate entry for %q", name)
	}
}

func TestExtractCodeSnippets_MatchesKeywordLines(t *testing.T) {
	text := "export function foo() {\nrandom text here\nconst x = 1\nimport bar from \"bar\""
	snippets := extractCodeSnippets(text)
	assert.ElementsMatch(t, []string{
		"export function foo() {",
		"const x = 1",
		`import bar from "bar"`,
	}, snippets)
}

func TestRedact_RemovesFileNamesAndCodeSnippets(t *testing.T) {
	text := "see report.pdf for details\nconst x = 1"
	fileNames := extractFileNames(text)
	snippets := extractCodeSnippets(text)
	out := redact(text, fileNames, snippets)

	assert.NotContains(t, out, "report.pdf")
	assert.NotContains(t, out, "const x = 1")
}

func TestAdditionalCleanup_StripsTagsTimestampsAndEmoji(t *testing.T) {
	out := additionalCleanup("[INFO] deployed [12:01:00] great \U0001F389 work")
	assert.NotContains(t, out, "[INFO]")
	assert.NotContains(t, out, "[12:01:00]")
	assert.NotContains(t, out, "\U0001F389")
	assert.Contains(t, out, "deployed")
	assert.Contains(t, out, "work")
}

func TestCheckTextChanged_DetectsDifferenceAndUpdatesHash(t *testing.T) {
	changed, hash1 := checkTextChanged("hello world", "")
	assert.True(t, changed)
	assert.NotEmpty(t, hash1)

	changed, hash2 := checkTextChanged("hello world", hash1)
	assert.False(t, changed)
	assert.Equal(t, hash1, hash2)

	changed, hash3 := checkTextChanged("different text", hash2)
	assert.True(t, changed)
	assert.NotEqual(t, hash2, hash3)
}

func TestIsNonsenseToken_ProtectedWordsSurvive(t *testing.T) {
	for _, w := range []string{"the", "and", "api", "cpu"} {
		assert.False(t, isNonsenseToken(w), "%q should be protected", w)
	}
}
