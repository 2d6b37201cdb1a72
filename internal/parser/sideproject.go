package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"beerbot/internal/model"
)

const (
	sideProjectOrderMarker   = "Order #"
	sideProjectItemMarker    = "×"
	sideProjectBillingHeader = "Billing address"
)

type sideProjectExtractor struct{}

func (sideProjectExtractor) ExtractOrder(body string) *model.Order {
	doc, ok := loadDocument(body)
	if !ok {
		return nil
	}

	orderNode := findByOwnText(doc, "span", sideProjectOrderMarker).First()
	number := strings.TrimSpace(strings.Replace(orderNode.Text(), sideProjectOrderMarker, "", 1))

	var items []string
	findByOwnText(doc, "span", sideProjectItemMarker).Each(func(_ int, s *goquery.Selection) {
		if item := strings.TrimSpace(s.Text()); item != "" {
			items = append(items, item)
		}
	})

	if number == "" || len(items) == 0 {
		return nil
	}
	return &model.Order{OrderNumber: number, Items: items}
}

func (sideProjectExtractor) ExtractPurchaser(body string) (string, bool) {
	doc, ok := loadDocument(normalizeLineBreaks(body))
	if !ok {
		return "", false
	}

	billing := findByOwnText(doc, "h4", sideProjectBillingHeader).First()
	if billing.Length() == 0 {
		return "", false
	}
	address := billing.Parent().Find("p").First()
	if address.Length() == 0 {
		return "", false
	}
	return firstLine(address.Text())
}
