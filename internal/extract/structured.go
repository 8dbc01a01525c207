package extract

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// vehicleTypes are the schema.org types read as a listing.
var vehicleTypes = map[string]bool{
	"vehicle":           true,
	"car":               true,
	"motorcycle":        true,
	"motorizedbicycle":  true,
	"busorcoach":        true,
	"product":           true,
	"individualproduct": true,
}

// readJSONLD copies the first schema.org Vehicle/Car/Product block of doc
// into rec at the given confidence. It reports whether a block was found.
func readJSONLD(doc *goquery.Document, base *url.URL, rec *model.NormalizedRecord, confidence float64) bool {
	var found bool
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		var data any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			zap.L().Debug("extract: skip malformed json-ld", zap.Error(err))
			return true
		}
		for _, node := range flattenLD(data) {
			if isVehicleNode(node) {
				applyVehicleNode(node, base, rec, confidence)
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// flattenLD expands arrays and @graph containers into a list of objects.
func flattenLD(data any) []map[string]any {
	var out []map[string]any
	switch v := data.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flattenLD(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			out = append(out, flattenLD(graph)...)
		}
		out = append(out, v)
	}
	return out
}

func isVehicleNode(node map[string]any) bool {
	switch t := node["@type"].(type) {
	case string:
		return vehicleTypes[strings.ToLower(t)]
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok && vehicleTypes[strings.ToLower(s)] {
				return true
			}
		}
	}
	return false
}

func applyVehicleNode(node map[string]any, base *url.URL, rec *model.NormalizedRecord, conf float64) {
	kind := model.SourceStructuredListing
	set := func(field string, keys ...string) {
		for _, k := range keys {
			if v := ldString(node[k]); v != "" {
				rec.Set(field, v, kind, conf)
				return
			}
		}
	}

	set(model.FieldTitle, "name")
	set(model.FieldVIN, "vehicleIdentificationNumber", "vin", "serialNumber")
	set(model.FieldYear, "vehicleModelDate", "modelDate", "productionDate", "dateVehicleFirstRegistered")
	set(model.FieldMake, "brand", "manufacturer", "make")
	set(model.FieldModel, "model")
	set(model.FieldTrim, "vehicleConfiguration", "trim")
	set(model.FieldColor, "color")
	set(model.FieldTransmission, "vehicleTransmission")
	set(model.FieldDrivetrain, "driveWheelConfiguration")
	set(model.FieldDescription, "description")

	if odo, ok := node["mileageFromOdometer"]; ok {
		if v := ldString(odo); v != "" {
			if unit := ldUnit(odo); unit == "KMT" || unit == "km" {
				v += " km"
			}
			rec.Set(model.FieldMileage, v, kind, conf)
		}
	}

	for _, img := range ldStrings(node["image"]) {
		if abs := resolveURL(base, img); abs != "" {
			rec.Images = appendUnique(rec.Images, abs)
		}
	}

	for _, offer := range ldObjects(node["offers"]) {
		if p := ldString(offer["price"]); p != "" {
			rec.Set(model.FieldPrice, p, kind, conf)
		} else if spec := ldObjects(offer["priceSpecification"]); len(spec) > 0 {
			rec.Set(model.FieldPrice, ldString(spec[0]["price"]), kind, conf)
		}
		if status := availabilityStatus(ldString(offer["availability"])); status != "" {
			rec.Set(model.FieldListingStatus, status, kind, conf)
		}
		for _, seller := range ldObjects(offer["seller"]) {
			applySeller(seller, base, rec)
		}
	}
	if loc := ldObjects(node["availableAtOrFrom"]); len(loc) > 0 {
		applyAddress(loc[0]["address"], rec, conf)
	}
}

func applySeller(seller map[string]any, base *url.URL, rec *model.NormalizedRecord) {
	if rec.Seller.Name == "" {
		rec.Seller.Name = ldString(seller["name"])
	}
	if rec.Seller.Website == "" {
		rec.Seller.Website = resolveURL(base, ldString(seller["url"]))
	}
	if rec.Seller.Phone == "" {
		rec.Seller.Phone = ldString(seller["telephone"])
	}
	for _, addr := range ldObjects(seller["address"]) {
		if rec.Seller.City == "" {
			rec.Seller.City = ldString(addr["addressLocality"])
		}
		if rec.Seller.State == "" {
			rec.Seller.State = ldString(addr["addressRegion"])
		}
	}
}

func applyAddress(v any, rec *model.NormalizedRecord, conf float64) {
	for _, addr := range ldObjects(v) {
		city := ldString(addr["addressLocality"])
		state := ldString(addr["addressRegion"])
		if city != "" && state != "" {
			rec.Set(model.FieldLocation, city+", "+state, model.SourceStructuredListing, conf)
			return
		}
	}
}

// availabilityStatus maps a schema.org ItemAvailability onto a listing
// status.
func availabilityStatus(v string) string {
	v = strings.ToLower(v)
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		v = v[i+1:]
	}
	switch v {
	case "soldout", "discontinued", "outofstock":
		return "sold"
	case "instock", "limitedavailability", "onlineonly", "instoreonly", "preorder":
		return "for sale"
	default:
		return ""
	}
}

// ldString renders a JSON-LD value as text: strings, numbers, and objects
// carrying name, value or @value.
func ldString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return ""
	case map[string]any:
		for _, k := range []string{"name", "value", "@value", "url"} {
			if s := ldString(x[k]); s != "" {
				return s
			}
		}
	case []any:
		if len(x) > 0 {
			return ldString(x[0])
		}
	}
	return ""
}

func ldUnit(v any) string {
	if m, ok := v.(map[string]any); ok {
		return ldString(m["unitCode"])
	}
	return ""
}

func ldStrings(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := ldString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := ldString(x); s != "" {
			return []string{s}
		}
	}
	return nil
}

func ldObjects(v any) []map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// readOpenGraph fills title, description, price and images from OpenGraph
// and product meta tags.
func readOpenGraph(doc *goquery.Document, base *url.URL, rec *model.NormalizedRecord, confidence float64) {
	kind := model.SourceStructuredListing
	meta := func(names ...string) string {
		for _, n := range names {
			sel := doc.Find(`meta[property="` + n + `"], meta[name="` + n + `"]`).First()
			if v, ok := sel.Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}
	rec.Set(model.FieldTitle, meta("og:title", "twitter:title"), kind, confidence)
	rec.Set(model.FieldDescription, meta("og:description", "description"), kind, confidence)
	rec.Set(model.FieldPrice, meta("product:price:amount", "og:price:amount"), kind, confidence)

	doc.Find(`meta[property="og:image"], meta[property="og:image:url"], meta[name="twitter:image"]`).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("content"); ok {
			if abs := resolveURL(base, v); abs != "" {
				rec.Images = appendUnique(rec.Images, abs)
			}
		}
	})
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
