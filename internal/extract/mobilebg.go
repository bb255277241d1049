package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/avtolov/avtolov/internal/model"
)

// MobileBG extracts mobile.bg ad pages. Field labels on the site are
// Bulgarian; fuel and gearbox are detected from label text anywhere in the
// document because the markup moves between site revisions.
type MobileBG struct{}

func (MobileBG) Source() string { return "mobile.bg" }

var (
	priceDigitsRe = regexp.MustCompile(`([\d][\d\s]*)`)
	yearBGRe      = regexp.MustCompile(`(\d{4})\s*г`)
	mileageBGRe   = regexp.MustCompile(`([\d][\d\s]*)\s*км`)
	powerBGRe     = regexp.MustCompile(`(\d+)\s*к\.с\.`)
	engineCCRe    = regexp.MustCompile(`(\d+)\s*см3`)
)

func (MobileBG) FromHTML(html string) (*FieldMap, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &model.ExtractError{Source: "mobile.bg", Reason: "unparseable html"}
	}

	var f FieldMap

	f.Title = cleanText(doc.Find("h1").First().Text())
	if f.Title == "" {
		f.Title = cleanText(doc.Find("title").First().Text())
	}
	if parts := strings.Fields(f.Title); len(parts) > 0 {
		f.Brand = strPtr(parts[0])
		if len(parts) > 1 {
			end := len(parts)
			if end > 3 {
				end = 3
			}
			f.Model = strPtr(strings.Join(parts[1:end], " "))
		}
	}

	priceText := cleanText(doc.Find(".price, .ad-price").First().Text())
	if price, ok := parseAmount(priceText); ok {
		f.Price = &price
		f.Currency = strPtr(detectCurrency(priceText))
	}

	body := doc.Text()
	if m := yearBGRe.FindStringSubmatch(body); m != nil {
		if y, err := strconv.Atoi(m[1]); err == nil {
			f.Year = &y
		}
	}
	if m := mileageBGRe.FindStringSubmatch(body); m != nil {
		if km, err := strconv.Atoi(stripSpaces(m[1])); err == nil {
			f.MileageKm = &km
		}
	}
	if m := powerBGRe.FindStringSubmatch(body); m != nil {
		if hp, err := strconv.Atoi(m[1]); err == nil {
			f.EngineHP = &hp
		}
	}
	if m := engineCCRe.FindStringSubmatch(body); m != nil {
		if cc, err := strconv.Atoi(m[1]); err == nil {
			f.EngineCC = &cc
		}
	}

	if fuel := detectFuelBG(body); fuel != "" {
		f.Fuel = &fuel
	}
	if gearbox := detectGearboxBG(body); gearbox != "" {
		f.Gearbox = &gearbox
	}

	f.Description = cleanText(doc.Find(".description, .ad-description").First().Text())

	doc.Find(".car-image img, .ad-photos img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			f.ImageURLs = append(f.ImageURLs, src)
		}
	})

	if phone := cleanText(doc.Find(".phone, .ad-phone").First().Text()); phone != "" {
		f.Phone = &phone
	}
	if region := cleanText(doc.Find(".region, .ad-location").First().Text()); region != "" {
		f.Region = &region
	}

	return &f, nil
}

func detectFuelBG(text string) string {
	switch {
	case strings.Contains(text, "Дизел"):
		return "diesel"
	case strings.Contains(text, "Бензин"):
		return "petrol"
	case strings.Contains(text, "Газ") || strings.Contains(text, "ГАЗ"):
		return "gas"
	case strings.Contains(text, "Електро"):
		return "electric"
	case strings.Contains(text, "Хибрид"):
		return "hybrid"
	}
	return ""
}

func detectGearboxBG(text string) string {
	switch {
	case strings.Contains(text, "Автоматична"):
		return "automatic"
	case strings.Contains(text, "Ръчна"):
		return "manual"
	}
	return ""
}

func detectCurrency(priceText string) string {
	switch {
	case strings.Contains(priceText, "лв"):
		return "BGN"
	case strings.Contains(priceText, "€") || strings.Contains(priceText, "EUR"):
		return "EUR"
	case strings.Contains(priceText, "$") || strings.Contains(priceText, "USD"):
		return "USD"
	}
	return "BGN"
}

func parseAmount(text string) (float64, bool) {
	m := priceDigitsRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(stripSpaces(m[1]), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func stripSpaces(s string) string {
	return strings.NewReplacer(" ", "", " ", "", ",", "").Replace(s)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func strPtr(s string) *string { return &s }
