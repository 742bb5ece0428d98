package types

type OptionKind string

const (
	OptionCall OptionKind = "CALL"
	OptionPut  OptionKind = "PUT"
)

// Instrument is one tradable contract of the configured option universe
type Instrument struct {
	Symbol string     `yaml:"symbol" json:"symbol"`
	Kind   OptionKind `yaml:"kind" json:"kind"`
	Strike float64    `yaml:"strike" json:"strike"`
}
