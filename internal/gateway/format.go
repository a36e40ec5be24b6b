package gateway

import (
	"time"
	"unicode/utf8"
)

// MaxDescriptionBytes бюджет описания товара в запросе к шлюзу.
const MaxDescriptionBytes = 127

const expireLayout = "2006-01-02T15:04:05+08:00"

var chinaZone = time.FixedZone("CST", 8*60*60)

// TruncateDescription обрезает описание до бюджета в 127 байт. ASCII-символ стоит
// 1 байт, остальные не меньше 3. Символы не разрезаются; обрезка останавливается на
// первом символе, который не помещается.
func TruncateDescription(s string) string {
	used := 0
	for i, r := range s {
		cost := runeCost(r)
		if used+cost > MaxDescriptionBytes {
			return s[:i]
		}
		used += cost
	}
	return s
}

func runeCost(r rune) int {
	if r < utf8.RuneSelf {
		return 1
	}
	if n := utf8.RuneLen(r); n > 3 {
		return n
	}
	return 3
}

// FormatExpireTime форматирует момент истечения в RFC 3339 со смещением +08:00
// независимо от часового пояса хоста.
func FormatExpireTime(t time.Time) string {
	return t.In(chinaZone).Format(expireLayout)
}
