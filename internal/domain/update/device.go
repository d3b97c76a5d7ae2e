package update

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// ProductEnv is the environment variable the OS exports with the product name.
	ProductEnv = "PRODUCT"

	// DefaultProduct is used when neither the command line nor the environment names a product.
	DefaultProduct = "condor"
)

// ErrUnsupportedProduct is returned when a product has no device family.
var ErrUnsupportedProduct = errors.New("unsupported product")

// Profile ties a product identifier to its device family directory.
type Profile struct {
	// Product is the identifier reported by the device, e.g. "spaBW".
	Product string
	// Family is the device directory shared by products with the same hardware.
	Family string
}

// families is the static product table. Products of one family share partition layout and images.
//
//nolint:gochecknoglobals // Immutable lookup table.
var families = map[string]string{
	"condor":          "condor",
	"spaBW":           "spa",
	"spaTolinoBW":     "spa",
	"spaColour":       "spa",
	"spaTolinoColour": "spa",
	"monza":           "monza",
	"monzaTolino":     "monza",
}

// LookupProduct resolves a product identifier to its device profile.
func LookupProduct(product string) (Profile, error) {
	family, ok := families[product]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedProduct, product)
	}

	return Profile{
		Product: product,
		Family:  family,
	}, nil
}

// ResolveProduct picks the product from the explicit argument, then the
// environment, then DefaultProduct, and looks it up.
func ResolveProduct(explicit string) (Profile, error) {
	product := strings.TrimSpace(explicit)
	if product == "" {
		product = strings.TrimSpace(os.Getenv(ProductEnv))
	}

	if product == "" {
		product = DefaultProduct
	}

	return LookupProduct(product)
}
