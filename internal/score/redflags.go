package score

import (
	"fmt"
	"strings"
	"time"
)

// Red-flag keyword families for the Bulgarian market. A hit blocks
// approval outright; the flag text carries the matched keyword for the
// reason log.

var leasingKeywords = []string{
	"лизинг", "лиз.", "leasing", "месечна вноска", "първоначална вноска",
	"авансово", "на вноски", "кредит", "финансиране",
}

var rightHandDriveKeywords = []string{
	"десен волан", "дясна кормилница", "right hand", "rhd", "английски",
	"от англия", "japanese", "от япония",
}

var notInBulgariaKeywords = []string{
	"внос", "увоз", "германия", "deutschland", "франция", "италия",
	"холандия", "нидерландия", "czech", "чехия", "от чужбина",
	"на път", "идва", "очаква се",
}

var accidentKeywords = []string{
	"катастрофирал", "удряна", "ударен", "счупен", "повредена",
	"за части", "за ремонт", "без документи", "без регистрация",
}

var urgencyPhrases = []string{
	"спешно", "бърза продажба", "навлизам", "напускам държавата",
	"не отговарям на смс", "само обаждане", "последна цена",
}

var premiumBrands = []string{"bmw", "mercedes", "audi", "lexus", "porsche"}

// RedFlagInput is everything the checks look at.
type RedFlagInput struct {
	Title             string
	Description       string
	PriceBGN          float64
	Year              int
	SellerBlacklisted bool
}

// RedFlags runs every check and returns the flags found. Urgency language
// fires only on two or more distinct phrases; a single one is normal
// seller talk.
func RedFlags(in RedFlagInput, now time.Time) []string {
	var flags []string
	desc := strings.ToLower(in.Description)
	combined := desc + " " + strings.ToLower(in.Title)

	if f := detectLeasing(desc, in.PriceBGN, in.Year, now); f != "" {
		flags = append(flags, f)
	}
	if kw := firstMatch(combined, rightHandDriveKeywords); kw != "" {
		flags = append(flags, fmt.Sprintf("right-hand drive: %q", kw))
	}
	if kw := firstMatch(combined, notInBulgariaKeywords); kw != "" {
		flags = append(flags, fmt.Sprintf("not in bulgaria: %q", kw))
	}
	if kw := firstMatch(desc, accidentKeywords); kw != "" {
		flags = append(flags, fmt.Sprintf("accident or damage: %q", kw))
	}
	if countMatches(desc, urgencyPhrases) >= 2 {
		flags = append(flags, "multiple urgency phrases")
	}
	if in.SellerBlacklisted {
		flags = append(flags, "blacklisted seller")
	}
	return flags
}

func detectLeasing(desc string, price float64, year int, now time.Time) string {
	if kw := firstMatch(desc, leasingKeywords); kw != "" {
		return fmt.Sprintf("leasing: %q", kw)
	}
	// Near-new premium car at a budget price is almost always a monthly
	// installment posted as the full price.
	if year >= now.Year()-1 && price > 0 && price < 20_000 {
		if firstMatch(desc, premiumBrands) != "" {
			return "probable leasing: near-new premium car priced too low"
		}
	}
	return ""
}

func firstMatch(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}
