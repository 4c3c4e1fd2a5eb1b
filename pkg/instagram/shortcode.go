package instagram

import (
	"math"
	"strings"

	errs "instaharvest/pkg/errors"
)

// shortcodeAlphabet is the URL-safe base64 alphabet posts are addressed
// with. The digit value of a character is its index.
const shortcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// maxShortcodeLength bounds regular post shortcodes. Longer codes address
// direct-message media, whose ids do not fit this encoding.
const maxShortcodeLength = 11

// ShortcodeToMediaID converts a post shortcode to its numeric media id.
func ShortcodeToMediaID(shortcode string) (uint64, error) {
	if len(shortcode) == 0 {
		return 0, errs.New(errs.ErrorTypeUsage, 0, "empty shortcode")
	}
	if len(shortcode) > maxShortcodeLength {
		return 0, errs.New(errs.ErrorTypeUsage, 0, "shortcode %q is longer than %d characters and cannot be converted", shortcode, maxShortcodeLength)
	}

	var id uint64
	for _, ch := range shortcode {
		idx := strings.IndexRune(shortcodeAlphabet, ch)
		if idx < 0 {
			return 0, errs.New(errs.ErrorTypeUsage, 0, "invalid character %q in shortcode %q", ch, shortcode)
		}
		// An eleven-digit code can encode values past the 64-bit media id
		// range; refuse those instead of wrapping silently.
		if id > (math.MaxUint64-uint64(idx))/64 {
			return 0, errs.New(errs.ErrorTypeUsage, 0, "shortcode %q exceeds the media id range", shortcode)
		}
		id = id*64 + uint64(idx)
	}
	return id, nil
}

// MediaIDToShortcode converts a numeric media id back to its shortcode.
func MediaIDToShortcode(id uint64) string {
	if id == 0 {
		return string(shortcodeAlphabet[0])
	}
	var sb []byte
	for id > 0 {
		sb = append(sb, shortcodeAlphabet[id%64])
		id /= 64
	}
	for i, j := 0, len(sb)-1; i < j; i, j = i+1, j-1 {
		sb[i], sb[j] = sb[j], sb[i]
	}
	return string(sb)
}
