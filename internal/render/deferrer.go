package render

import "github.com/PuerkitoBio/goquery"

const (
	DefaultDeferAttribute = "defer-attr"
	DefaultDeferValue     = "defer-value"
)

// Deferrer materializes staged attributes. An element carrying
// defer-attr="src" defer-value="/a.png" gets src="/a.png" on Load.
type Deferrer struct {
	root         *goquery.Selection
	attributeKey string
	valueKey     string
}

// NewDeferrer scans the descendants of root. Empty keys take the defaults.
func NewDeferrer(root *goquery.Selection, attributeKey, valueKey string) *Deferrer {
	if attributeKey == "" {
		attributeKey = DefaultDeferAttribute
	}
	if valueKey == "" {
		valueKey = DefaultDeferValue
	}
	return &Deferrer{root: root, attributeKey: attributeKey, valueKey: valueKey}
}

// Load runs one pass over every matching element. Running it again has no
// further effect.
func (d *Deferrer) Load() *Deferrer {
	d.root.Find("[" + d.attributeKey + "]").Each(func(_ int, el *goquery.Selection) {
		d.materialize(el)
	})
	return d
}

func (d *Deferrer) materialize(el *goquery.Selection) {
	attr, ok := el.Attr(d.attributeKey)
	if !ok || attr == "" {
		return
	}
	val, _ := el.Attr(d.valueKey)
	el.SetAttr(attr, val)
}
