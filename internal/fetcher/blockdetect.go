package fetcher

import "bytes"

// challengeSignatures are phrases that show up on bot-challenge pages.
var challengeSignatures = [][]byte{
	[]byte("checking your browser"),
	[]byte("enable javascript and cookies"),
	[]byte("please enable cookies"),
	[]byte("access denied"),
	[]byte("just a moment"),
	[]byte("attention required"),
	[]byte("cf-browser-verification"),
	[]byte("captcha"),
}

// IsBlocked reports whether a successful response body is a challenge page
// rather than content. Signatures only count on short pages; full listings
// routinely mention captchas in their contact forms.
func IsBlocked(body []byte) bool {
	if len(body) >= 8192 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, sig := range challengeSignatures {
		if bytes.Contains(lower, sig) {
			return true
		}
	}
	return false
}
