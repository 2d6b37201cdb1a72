package parser

import "strings"

// Brewery is the closed set of order senders the bot knows about. Adding one
// means adding a constant, a sender address and, if orders should be
// ingested, an Extractor.
type Brewery int

const (
	BreweryUnknown Brewery = iota
	BrewerySideProject
	BreweryOtherHalf
	BreweryWeldWerks
	BreweryOznr
)

var senders = map[string]Brewery{
	"orders@sideprojectbrewing.com": BrewerySideProject,
	"orders@otherhalfbrewing.com":   BreweryOtherHalf,
	"orders@weldwerks.com":          BreweryWeldWerks,
	"notifications@oznr.com":        BreweryOznr,
}

func (b Brewery) String() string {
	switch b {
	case BrewerySideProject:
		return "Side Project"
	case BreweryOtherHalf:
		return "Other Half"
	case BreweryWeldWerks:
		return "WeldWerks"
	case BreweryOznr:
		return "Oznr"
	default:
		return "Unknown"
	}
}

// Extractor returns the parsing strategy for b, if one exists.
func (b Brewery) Extractor() (Extractor, bool) {
	switch b {
	case BrewerySideProject:
		return sideProjectExtractor{}, true
	default:
		return nil, false
	}
}

// ResolveBrewery maps an order-notification sender address to its brewery.
func ResolveBrewery(sender string) (Brewery, bool) {
	b, ok := senders[strings.ToLower(strings.TrimSpace(sender))]
	return b, ok
}
