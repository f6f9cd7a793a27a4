package models

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// WasteType is the enumerated pickup category. Different waste types are
// never merged into one calendar.
type WasteType string

const (
	WasteMixed   WasteType = "bendros"
	WastePlastic WasteType = "plastikas"
	WasteGlass   WasteType = "stiklas"
	WastePaper   WasteType = "popierius"
	WasteGarden  WasteType = "zaliosios"
)

// WasteTypes maps every known waste type to its display name.
var WasteTypes = map[WasteType]string{
	WasteMixed:   "Bendros atliekos",
	WastePlastic: "Plastikas",
	WasteGlass:   "Stiklas",
	WastePaper:   "Popierius",
	WasteGarden:  "Žaliosios atliekos",
}

// ParseWasteType validates s against the known waste types.
func ParseWasteType(s string) (WasteType, error) {
	wt := WasteType(strings.ToLower(strings.TrimSpace(s)))
	if !wt.Valid() {
		return "", fmt.Errorf("%w: unknown waste type %q", errdefs.ErrInvalidArgument, s)
	}
	return wt, nil
}

func (w WasteType) Valid() bool {
	_, ok := WasteTypes[w]
	return ok
}

// DisplayName returns the human name, falling back to the raw value.
func (w WasteType) DisplayName() string {
	if name, ok := WasteTypes[w]; ok {
		return name
	}
	return string(w)
}
