package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/avtolov/avtolov/internal/model"
)

// CarsBG extracts cars.bg offer pages. The site folds most attributes into
// one details line, so the extractor leans on pattern matching over that
// line rather than on per-field markup.
type CarsBG struct{}

func (CarsBG) Source() string { return "cars.bg" }

var (
	bgnPriceRe  = regexp.MustCompile(`([\d][\d\s,]*)\s*BGN`)
	eurPriceRe  = regexp.MustCompile(`([\d][\d\s,.]*)\s*EUR`)
	anyYearRe   = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)
	monthYearRe = regexp.MustCompile(`(?:януари|февруари|март|април|май|юни|юли|август|септември|октомври|ноември|декември)\s+(\d{4})`)
)

func (CarsBG) FromHTML(html string) (*FieldMap, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &model.ExtractError{Source: "cars.bg", Reason: "unparseable html"}
	}

	var f FieldMap

	f.Title = cleanText(doc.Find("h2").First().Text())
	pageTitle := cleanText(doc.Find("title").First().Text())
	if f.Title == "" {
		f.Title = pageTitle
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

	details := cleanText(doc.Find(".text-copy").First().Text())
	if details == "" {
		var parts []string
		doc.Find("p").Each(func(_ int, s *goquery.Selection) {
			parts = append(parts, cleanText(s.Text()))
		})
		details = strings.Join(parts, " ")
	}

	// Price lives in the page title on current markup, with a class-based
	// fallback for older captures. BGN wins over EUR when both appear.
	priceSource := pageTitle
	if !bgnPriceRe.MatchString(priceSource) && !eurPriceRe.MatchString(priceSource) {
		var texts []string
		doc.Find(`[class*="price"]`).Each(func(_ int, s *goquery.Selection) {
			texts = append(texts, cleanText(s.Text()))
		})
		priceSource = strings.Join(texts, " ")
	}
	if m := bgnPriceRe.FindStringSubmatch(priceSource); m != nil {
		if v, err := strconv.ParseFloat(stripSpaces(m[1]), 64); err == nil && v > 0 {
			f.Price = &v
			f.Currency = strPtr("BGN")
		}
	} else if m := eurPriceRe.FindStringSubmatch(priceSource); m != nil {
		if v, err := strconv.ParseFloat(stripSpaces(m[1]), 64); err == nil && v > 0 {
			f.Price = &v
			f.Currency = strPtr("EUR")
		}
	}

	if m := monthYearRe.FindStringSubmatch(details); m != nil {
		if y, err := strconv.Atoi(m[1]); err == nil {
			f.Year = &y
		}
	} else if m := anyYearRe.FindStringSubmatch(details); m != nil {
		if y, err := strconv.Atoi(m[1]); err == nil {
			f.Year = &y
		}
	}
	if m := mileageBGRe.FindStringSubmatch(details); m != nil {
		if km, err := strconv.Atoi(stripSpaces(m[1])); err == nil {
			f.MileageKm = &km
		}
	}
	if m := powerBGRe.FindStringSubmatch(details); m != nil {
		if hp, err := strconv.Atoi(m[1]); err == nil {
			f.EngineHP = &hp
		}
	}
	if m := engineCCRe.FindStringSubmatch(details); m != nil {
		if cc, err := strconv.Atoi(m[1]); err == nil {
			f.EngineCC = &cc
		}
	}
	if fuel := detectFuelBG(details); fuel != "" {
		f.Fuel = &fuel
	}
	if gearbox := detectGearboxBG(details); gearbox != "" {
		f.Gearbox = &gearbox
	}

	doc.Find(`[class*="location"]`).Each(func(_ int, s *goquery.Selection) {
		if f.Region == nil {
			if region := cleanText(s.Text()); region != "" {
				f.Region = &region
			}
		}
	})

	var descParts []string
	doc.Find(".text-copy").Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			descParts = append(descParts, t)
		}
	})
	f.Description = strings.Join(descParts, "\n")

	doc.Find(`img[src*="cars.bg"]`).Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			f.ImageURLs = append(f.ImageURLs, src)
		}
	})

	if tel, ok := doc.Find(`a[href^="tel:"]`).First().Attr("href"); ok {
		phone := strings.TrimPrefix(tel, "tel:")
		if phone != "" {
			f.Phone = &phone
		}
	}

	return &f, nil
}
