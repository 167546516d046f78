package domain

const (
	smsSinglePartGSM  = 160
	smsMultiPartGSM   = 153
	smsSinglePartUCS2 = 70
	smsMultiPartUCS2  = 67
)

// gsmExtended characters cost two septets in the GSM 03.38 alphabet.
var gsmExtended = map[rune]struct{}{
	'^': {}, '{': {}, '}': {}, '\\': {}, '[': {}, '~': {}, ']': {}, '|': {}, '€': {},
}

var gsmBasic = func() map[rune]struct{} {
	const alphabet = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	m := make(map[rune]struct{}, len(alphabet))
	for _, r := range alphabet {
		m[r] = struct{}{}
	}
	return m
}()

// IsGSMEncodable reports whether body fits the GSM 7-bit alphabet.
func IsGSMEncodable(body string) bool {
	for _, r := range body {
		if _, ok := gsmBasic[r]; ok {
			continue
		}
		if _, ok := gsmExtended[r]; ok {
			continue
		}
		return false
	}
	return true
}

// SMSFragmentCount returns the number of billable SMS parts for body.
func SMSFragmentCount(body string) int {
	if body == "" {
		return 0
	}

	if IsGSMEncodable(body) {
		length := 0
		for _, r := range body {
			if _, ok := gsmExtended[r]; ok {
				length += 2
				continue
			}
			length++
		}
		return fragments(length, smsSinglePartGSM, smsMultiPartGSM)
	}

	return fragments(len([]rune(body)), smsSinglePartUCS2, smsMultiPartUCS2)
}

func fragments(length, single, multi int) int {
	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}
