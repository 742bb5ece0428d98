package broker

import (
	"fmt"
	"sort"
	"strings"
)

var venueProfiles = map[string]PaperVenue{
	"primary": DefaultPaperVenue(),
	"secondary": {
		MinLatency:      10,
		MaxLatency:      50,
		AcceptRate:      0.95,
		FillRate:        0.7,
		LiquidityFactor: 0.7,
		PriceVariance:   0.02,
		Balance:         500000,
	},
	"regional": {
		MinLatency:      15,
		MaxLatency:      70,
		AcceptRate:      0.9,
		FillRate:        0.5,
		LiquidityFactor: 0.5,
		PriceVariance:   0.03,
		Balance:         500000,
	},
	// thin books, frequent rejects and partial fills
	"stressed": {
		MinLatency:      20,
		MaxLatency:      100,
		AcceptRate:      0.75,
		FillRate:        0.3,
		LiquidityFactor: 0.3,
		PriceVariance:   0.05,
		Balance:         500000,
	},
}

// VenueByName returns a named paper venue profile
func VenueByName(name string) (PaperVenue, error) {
	v, ok := venueProfiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return PaperVenue{}, fmt.Errorf("unknown paper venue %q (known: %s)", name, strings.Join(VenueNames(), ", "))
	}
	return v, nil
}

// VenueNames lists the profiles in alphabetical order
func VenueNames() []string {
	names := make([]string, 0, len(venueProfiles))
	for n := range venueProfiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
