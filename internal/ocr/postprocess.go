// Package ocr implements the C6 OCRPipeline (spec §4.5): a single long-lived
// Tesseract worker plus a chain of pure post-processing functions that clean
// raw OCR text, pull out file names and code snippets, and filter the
// remaining noise down to something worth embedding. Grounded on the
// privacy package's regex-driven, stateless text-transform style.
package ocr

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// cleanOcrText collapses whitespace runs to single spaces and strips
// anything outside the printable ASCII range (Tesseract frequently emits
// stray control bytes and mis-decoded glyphs on noisy screenshots).
func cleanOcrText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case r >= 0x20 && r <= 0x7e:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(b.String(), " "))
}

var fileExtensions = []string{
	"go", "js", "jsx", "ts", "tsx", "mjs", "cjs", "py", "rb", "java", "kt",
	"c", "h", "cpp", "hpp", "cc", "cs", "rs", "php", "swift",
	"html", "htm", "css", "scss", "less", "json", "yaml", "yml", "toml",
	"md", "txt", "sh", "bash", "zsh", "sql", "xml", "env",
	"png", "jpg", "jpeg", "gif", "svg", "webp", "pdf",
	"doc", "docx", "xls", "xlsx", "csv", "ppt", "pptx",
	"log", "zip", "tar", "gz", "rar", "7z",
}

var fileNamePattern = regexp.MustCompile(
	`(?i)\b[\w][\w.\-]*\.(` + strings.Join(fileExtensions, "|") + `)\b`,
)

// ellipsisFileNamePattern reconstructs names that OCR/UI truncation split
// into a visible prefix, an ellipsis, and a trailing extension, e.g.
// "quarterly-repo…rt.pdf".
var ellipsisFileNamePattern = regexp.MustCompile(
	`(?i)\b([\w-]{3,})(?:\.{3}|…)([\w-]{0,20}\.(` + strings.Join(fileExtensions, "|") + `))\b`,
)

var monthNamePattern = `(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*`

// hyphenatedMonthPattern catches date-stamped file names OCR renders as a
// hyphenated compound immediately followed by a month name, such as
// "screenshot-draft Dec".
var hyphenatedMonthPattern = regexp.MustCompile(
	`(?i)\b([\w]+-[\w]+)\s+(` + monthNamePattern + `)\b`,
)

var forbiddenFileNameChars = regexp.MustCompile(`[\x00-\x1f<>:"|?*]`)

// isSafeFileName rejects candidates with control characters, forbidden
// punctuation, unreasonable length, or no recognizable shape.
func isSafeFileName(name string) bool {
	if len(name) == 0 || len(name) >= 256 {
		return false
	}
	if forbiddenFileNameChars.MatchString(name) {
		return false
	}
	hasExt := strings.Contains(name, ".") && !strings.HasSuffix(name, ".")
	hyphenatedCompound := strings.Contains(name, "-") && !strings.Contains(name, " ")
	return hasExt || hyphenatedCompound
}

// extractFileNames pulls file-like tokens out of cleaned OCR text: plain
// names, ellipsis-truncated names reconstructed from prefix+suffix pairs,
// and hyphenated-compound-plus-month contextual names. Results are
// deduplicated case-insensitively.
func extractFileNames(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || !isSafeFileName(candidate) {
			return
		}
		key := strings.ToLower(candidate)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, candidate)
	}

	for _, m := range ellipsisFileNamePattern.FindAllStringSubmatch(text, -1) {
		add(m[1] + m[2])
	}
	for _, m := range fileNamePattern.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range hyphenatedMonthPattern.FindAllString(text, -1) {
		add(m)
	}

	sort.Strings(out)
	return out
}

var codeKeywords = map[string]bool{
	"export": true, "import": true, "function": true,
	"const": true, "let": true, "var": true,
}

// extractCodeSnippets returns every line whose first whitespace-delimited
// token is a recognized code keyword.
func extractCodeSnippets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		if codeKeywords[fields[0]] {
			out = append(out, trimmed)
		}
	}
	return out
}

// redact removes previously-extracted file names and code snippet lines
// from text, since they are surfaced separately and should not also count
// toward the embedded narrative.
func redact(text string, fileNames, codeSnippets []string) string {
	result := text
	for _, snippet := range codeSnippets {
		result = strings.ReplaceAll(result, snippet, " ")
	}
	for _, name := range fileNames {
		result = strings.ReplaceAll(result, name, " ")
	}
	return whitespacePattern.ReplaceAllString(result, " ")
}

var (
	tagMarkerPattern       = regexp.MustCompile(`\[[A-Z][A-Z0-9_]{1,20}\]`)
	bracketedTimePattern   = regexp.MustCompile(`\[\d{1,2}:\d{2}(:\d{2})?\s*(AM|PM|am|pm)?\]`)
)

// additionalCleanup strips log-style [TAG] markers, bracketed timestamps,
// and emoji left over after file/code extraction.
func additionalCleanup(text string) string {
	text = tagMarkerPattern.ReplaceAllString(text, " ")
	text = bracketedTimePattern.ReplaceAllString(text, " ")

	var b strings.Builder
	for _, r := range text {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(b.String(), " "))
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF:
		return true
	}
	return false
}

// timestampPattern matches the weekday-abbreviation + month + day + time
// shapes that filterGibberish must preserve verbatim, e.g. "ThuFeb19 12:01AM".
var timestampPattern = regexp.MustCompile(
	`(?i)\b(mon|tue|wed|thu|fri|sat|sun)[a-z]{2,8}\d{1,2}(\s+\d{1,2}:\d{2}\s*(am|pm)?)?\b`,
)

const gibberishDelimiter = "---"

// protectedWords are short tokens that are real words despite looking
// suspicious to the heuristics below (low vowel ratio, all-consonant runs).
var protectedWords = map[string]bool{
	"a": true, "i": true, "am": true, "an": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "go": true, "he": true, "if": true,
	"in": true, "is": true, "it": true, "me": true, "my": true, "no": true,
	"of": true, "ok": true, "on": true, "or": true, "so": true, "to": true,
	"up": true, "us": true, "we": true, "id": true, "ip": true, "pm": true,
	"cpu": true, "gpu": true, "url": true, "api": true, "sql": true,
	"http": true, "https": true, "tcp": true, "udp": true, "ssh": true,
	"the": true, "and": true, "for": true, "you": true, "are": true,
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}

// isSingleLetterToken reports whether a token is exactly one alphabetic
// rune (after stripping surrounding punctuation).
func isSingleLetterToken(tok string) bool {
	trimmed := strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsLetter(r) })
	return len([]rune(trimmed)) == 1
}

// isPunctuationDense reports whether more than half of a token's runes are
// punctuation/symbol characters.
func isPunctuationDense(tok string) bool {
	if tok == "" {
		return false
	}
	var punct, total int
	for _, r := range tok {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return total > 0 && float64(punct)/float64(total) > 0.5
}

// isNonsenseToken applies the spec §4.5 heuristics: a token not in the
// protected dictionary is nonsense when it lacks vowels (length >= 3), has a
// too-low vowel ratio at short lengths, or carries long leading/trailing
// consonant runs.
func isNonsenseToken(tok string) bool {
	word := strings.ToLower(strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsLetter(r) }))
	if word == "" || protectedWords[word] {
		return false
	}
	runes := []rune(word)
	n := len(runes)

	vowels := 0
	for _, r := range runes {
		if isVowel(r) {
			vowels++
		}
	}

	if n >= 3 && vowels == 0 {
		return true
	}
	if n <= 4 && n > 0 && float64(vowels)/float64(n) < 0.2 {
		return true
	}
	if n <= 5 {
		leading := 0
		for _, r := range runes {
			if isVowel(r) {
				break
			}
			leading++
		}
		if leading >= 3 {
			return true
		}
	}
	trailing := 0
	for i := n - 1; i >= 0; i-- {
		if isVowel(runes[i]) {
			break
		}
		trailing++
	}
	if trailing >= 4 {
		return true
	}
	return false
}

const (
	gibberishWindowSize    = 6
	gibberishWindowMinHits = 4
	singleLetterRunMin     = 3
)

// filterGibberish is the hardest post-processing step: it protects
// timestamps, collapses dense runs of noise into a literal delimiter, and
// runs a sliding-window nonsense detector before a final individual-token
// pass, per spec §4.5.
func filterGibberish(text string) string {
	placeholders := make(map[string]string)
	protected := timestampPattern.FindAllString(text, -1)
	for i, ts := range protected {
		ph := placeholderToken(i)
		placeholders[ph] = ts
		text = strings.Replace(text, ts, ph, 1)
	}

	tokens := strings.Fields(text)
	tokens = collapseDenseRuns(tokens, placeholders, isSingleLetterToken)
	tokens = collapseDenseRuns(tokens, placeholders, isPunctuationDense)
	tokens = applyWindowFilter(tokens, placeholders)
	tokens = applyIndividualTokenPass(tokens, placeholders)

	result := strings.Join(tokens, " ")
	for ph, original := range placeholders {
		result = strings.ReplaceAll(result, ph, original)
	}
	result = collapseDelimiters(result)
	return strings.TrimSpace(result)
}

func placeholderToken(i int) string {
	return "\x01TSPH" + itoa(i) + "\x01"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func isPlaceholder(tok string, placeholders map[string]string) bool {
	_, ok := placeholders[tok]
	return ok
}

// collapseDenseRuns replaces consecutive runs of at least singleLetterRunMin
// tokens matching pred with a single delimiter token.
func collapseDenseRuns(tokens []string, placeholders map[string]string, pred func(string) bool) []string {
	var out []string
	i := 0
	for i < len(tokens) {
		if isPlaceholder(tokens[i], placeholders) || !pred(tokens[i]) {
			out = append(out, tokens[i])
			i++
			continue
		}
		j := i
		for j < len(tokens) && !isPlaceholder(tokens[j], placeholders) && pred(tokens[j]) {
			j++
		}
		runLen := j - i
		if runLen >= singleLetterRunMin {
			out = append(out, gibberishDelimiter)
		} else {
			out = append(out, tokens[i:j]...)
		}
		i = j
	}
	return out
}

// applyWindowFilter slides a gibberishWindowSize-token window across the
// stream; any window with at least gibberishWindowMinHits nonsense tokens
// marks every non-placeholder, non-protected token in it for replacement.
func applyWindowFilter(tokens []string, placeholders map[string]string) []string {
	marked := make([]bool, len(tokens))
	for start := 0; start+1 <= len(tokens); start++ {
		end := start + gibberishWindowSize
		if end > len(tokens) {
			end = len(tokens)
		}
		hits := 0
		for k := start; k < end; k++ {
			if !isPlaceholder(tokens[k], placeholders) && tokens[k] != gibberishDelimiter && isNonsenseToken(tokens[k]) {
				hits++
			}
		}
		if hits >= gibberishWindowMinHits {
			for k := start; k < end; k++ {
				if !isPlaceholder(tokens[k], placeholders) && tokens[k] != gibberishDelimiter {
					marked[k] = true
				}
			}
		}
		if end == len(tokens) {
			break
		}
	}

	out := make([]string, 0, len(tokens))
	for idx, tok := range tokens {
		if marked[idx] {
			if len(out) == 0 || out[len(out)-1] != gibberishDelimiter {
				out = append(out, gibberishDelimiter)
			}
			continue
		}
		out = append(out, tok)
	}
	return out
}

// applyIndividualTokenPass catches isolated nonsense tokens the window pass
// missed because they never accumulated 4 hits in any single window.
func applyIndividualTokenPass(tokens []string, placeholders map[string]string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == gibberishDelimiter || isPlaceholder(tok, placeholders) {
			out = append(out, tok)
			continue
		}
		if isNonsenseToken(tok) {
			if len(out) == 0 || out[len(out)-1] != gibberishDelimiter {
				out = append(out, gibberishDelimiter)
			}
			continue
		}
		out = append(out, tok)
	}
	return out
}

var repeatedDelimiterPattern = regexp.MustCompile(`(?:---\s*){2,}`)

func collapseDelimiters(text string) string {
	return repeatedDelimiterPattern.ReplaceAllString(text, "--- ")
}

// checkTextChanged computes the SHA-256 hex digest of text and reports
// whether it differs from prevHash. The caller is always expected to persist
// the returned hash regardless of the decision (spec §4.4).
func checkTextChanged(text, prevHash string) (isDifferent bool, hash string) {
	sum := sha256.Sum256([]byte(text))
	hash = hex.EncodeToString(sum[:])
	return hash != prevHash, hash
}

// TextChanged is the exported form of checkTextChanged: it lets callers
// (ScreenMonitor) own the previous-hash state themselves rather than going
// through a stateful Pipeline method.
func TextChanged(text, prevHash string) (isDifferent bool, hash string) {
	return checkTextChanged(text, prevHash)
}
