package opportunity

import "strings"

// Normalized responses.
const (
	ResponseAccept      = "accept"
	ResponseDecline     = "decline"
	ResponseUnparseable = "unparseable"
)

var responseSynonyms = map[string]string{
	"yes": ResponseAccept, "y": ResponseAccept, "yeah": ResponseAccept,
	"yep": ResponseAccept, "sure": ResponseAccept, "ok": ResponseAccept,
	"okay": ResponseAccept, "accept": ResponseAccept, "deal": ResponseAccept,
	"do it": ResponseAccept, "in": ResponseAccept, "i'm in": ResponseAccept,
	"im in": ResponseAccept, "count me in": ResponseAccept,

	"no": ResponseDecline, "n": ResponseDecline, "nah": ResponseDecline,
	"nope": ResponseDecline, "pass": ResponseDecline, "decline": ResponseDecline,
	"no thanks": ResponseDecline, "not interested": ResponseDecline,
	"out": ResponseDecline, "i'm out": ResponseDecline, "im out": ResponseDecline,
}

// NormalizeResponse maps free text onto the closed response enum.
// Unmapped input is reported, never silently ignored.
func NormalizeResponse(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.TrimRight(key, ".!")
	if r, ok := responseSynonyms[key]; ok {
		return r
	}
	return ResponseUnparseable
}
