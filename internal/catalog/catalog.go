package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"sort"

	"github.com/keithlinneman/packgate/internal/cryptoutil"
	"github.com/keithlinneman/packgate/internal/xerrors"
)

// DefaultTargetSize is the number of items in a full pack.
const DefaultTargetSize = 100

// packPriceCents is the one-time price of a single pack.
const packPriceCents = 299

var ErrUnknownBundle = errors.New("unknown bundle")

// Catalog is the read-only registry of bundles, the external product table
// and curated samples. It is safe for concurrent use once built.
type Catalog struct {
	bundles  map[string]Bundle
	order    []string
	products map[string]string
	samples  map[string][]ContentItem

	fingerprint string
}

// Options configures New. Zero values fall back to the built-in tables.
type Options struct {
	Bundles  []Bundle
	Products map[string]string
	Samples  map[string][]ContentItem
}

// New builds a catalog, validating every bundle and product mapping.
func New(opts Options) (*Catalog, error) {
	if opts.Bundles == nil {
		opts.Bundles = builtinBundles()
	}
	if opts.Products == nil {
		opts.Products = builtinProducts()
	}
	if opts.Samples == nil {
		s, err := builtinSamples()
		if err != nil {
			return nil, err
		}
		opts.Samples = s
	}

	c := &Catalog{
		bundles:  make(map[string]Bundle, len(opts.Bundles)),
		products: make(map[string]string, len(opts.Products)),
		samples:  make(map[string][]ContentItem, len(opts.Samples)),
	}
	for _, b := range opts.Bundles {
		if err := b.Validate(); err != nil {
			return nil, xerrors.Wrap(err, "invalid bundle")
		}
		if _, dup := c.bundles[b.ID]; dup {
			return nil, xerrors.Newf("duplicate bundle %s", b.ID)
		}
		c.bundles[b.ID] = b
		c.order = append(c.order, b.ID)
	}
	for pid, bid := range opts.Products {
		if _, ok := c.bundles[bid]; !ok {
			return nil, xerrors.Newf("product %s maps to unknown bundle %s", pid, bid)
		}
		c.products[pid] = bid
	}
	for bid, items := range opts.Samples {
		if _, ok := c.bundles[bid]; !ok {
			continue
		}
		c.samples[bid] = items
	}

	fp, err := json.Marshal(struct {
		Bundles  []Bundle
		Products map[string]string
	}{c.Bundles(), c.products})
	if err != nil {
		return nil, xerrors.Wrap(err, "fingerprint catalog")
	}
	c.fingerprint = cryptoutil.SHA256Hex(fp)
	return c, nil
}

// Default returns the built-in catalog. It panics if the embedded tables are
// inconsistent, which is a build defect rather than a runtime condition.
func Default() *Catalog {
	c, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return c
}

// Bundle looks up a bundle by id.
func (c *Catalog) Bundle(id string) (Bundle, bool) {
	b, ok := c.bundles[id]
	return b, ok
}

// BundleForProduct maps an external product id to its bundle.
func (c *Catalog) BundleForProduct(productID string) (Bundle, bool) {
	bid, ok := c.products[productID]
	if !ok {
		return Bundle{}, false
	}
	return c.Bundle(bid)
}

// ProductForBundle is the reverse of BundleForProduct. When several products
// map to the same bundle the lexically smallest id wins.
func (c *Catalog) ProductForBundle(bundleID string) (string, bool) {
	var ids []string
	for pid, bid := range c.products {
		if bid == bundleID {
			ids = append(ids, pid)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// Fingerprint is a SHA-256 over the bundle definitions and product table.
// It changes whenever a deploy alters what a pack contains or which
// product unlocks it.
func (c *Catalog) Fingerprint() string { return c.fingerprint }

// Bundles returns every bundle in registration order.
func (c *Catalog) Bundles() []Bundle {
	out := make([]Bundle, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.bundles[id])
	}
	return out
}

// Sample returns a copy of the curated sample set for a bundle. Bundles
// without curation get an empty set.
func (c *Catalog) Sample(bundleID string) []ContentItem {
	items := c.samples[bundleID]
	out := make([]ContentItem, len(items))
	copy(out, items)
	return out
}

// WithProducts returns a copy of c whose product table is replaced by
// products merged over the current table.
func (c *Catalog) WithProducts(products map[string]string) (*Catalog, error) {
	merged := make(map[string]string, len(c.products)+len(products))
	for k, v := range c.products {
		merged[k] = v
	}
	for k, v := range products {
		merged[k] = v
	}
	return New(Options{
		Bundles:  c.Bundles(),
		Products: merged,
		Samples:  c.samples,
	})
}

// LoadProductOverrides reads a JSON object of productID -> bundleID.
func LoadProductOverrides(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read product map %s", path)
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Wrapf(err, "parse product map %s", path)
	}
	return m, nil
}
