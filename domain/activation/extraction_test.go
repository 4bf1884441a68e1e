package activation

import "testing"

func TestExtractCode_ServiceSpecificPatternWins(t *testing.T) {
	code, confidence := ExtractCode("telegram", "Your Telegram code: 48291")
	if code != "48291" {
		t.Fatalf("code = %q, want 48291", code)
	}
	if confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", confidence)
	}
}

func TestExtractCode_FallsBackToGenericDigits(t *testing.T) {
	code, confidence := ExtractCode("unknown-service", "Your one-time code is 123456, do not share it.")
	if code != "123456" {
		t.Fatalf("code = %q, want 123456", code)
	}
	if confidence != 0.5 {
		t.Fatalf("confidence = %v, want 0.5", confidence)
	}
}

func TestExtractCode_NoMatch(t *testing.T) {
	code, confidence := ExtractCode("unknown-service", "no digits here at all")
	if code != "" || confidence != 0 {
		t.Fatalf("got (%q, %v), want (\"\", 0)", code, confidence)
	}
}

func TestSanitize_StripsControlCharsAndTruncates(t *testing.T) {
	dirty := "abc\x00\x1Fdef"
	if got := Sanitize(dirty); got != "abcdef" {
		t.Fatalf("Sanitize() = %q, want %q", got, "abcdef")
	}

	long := make([]byte, maxContentLength+50)
	for i := range long {
		long[i] = 'a'
	}
	if got := Sanitize(string(long)); len(got) != maxContentLength {
		t.Fatalf("Sanitize() length = %d, want %d", len(got), maxContentLength)
	}
}

func TestContentHash_IsDeterministicAndContentSensitive(t *testing.T) {
	a := ContentHash("same content")
	b := ContentHash("same content")
	c := ContentHash("different content")
	if a != b {
		t.Fatalf("ContentHash() not deterministic: %q != %q", a, b)
	}
	if a == c {
		t.Fatalf("ContentHash() collided for different inputs")
	}
}
