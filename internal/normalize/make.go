package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// knownMakes maps a folded key to the canonical display name.
var knownMakes = map[string]string{}

var canonicalMakeNames = []string{
	"AC", "Acura", "Alfa Romeo", "AMC", "Aston Martin", "Audi", "Austin",
	"Austin-Healey", "Bentley", "BMW", "Bugatti", "Buick", "Cadillac",
	"Checker", "Chevrolet", "Chrysler", "Citroen", "Datsun", "De Tomaso",
	"DeLorean", "DeSoto", "Dodge", "Ducati", "Edsel", "Ferrari", "Fiat",
	"Ford", "Genesis", "GMC", "Harley-Davidson", "Honda", "Hudson", "Hummer",
	"Hyundai", "Infiniti", "International Harvester", "Isuzu", "Jaguar",
	"Jeep", "Jensen", "Kaiser", "Kawasaki", "Kia", "Lamborghini", "Lancia",
	"Land Rover", "Lexus", "Lincoln", "Lotus", "Maserati", "Mazda",
	"McLaren", "Mercedes-Benz", "Mercury", "MG", "Mini", "Mitsubishi",
	"Morgan", "Nash", "Nissan", "Oldsmobile", "Opel", "Packard", "Plymouth",
	"Polestar", "Pontiac", "Porsche", "Ram", "Renault", "Rivian",
	"Rolls-Royce", "Saab", "Saturn", "Scion", "Shelby", "Studebaker",
	"Subaru", "Sunbeam", "Suzuki", "Tesla", "Toyota", "Triumph", "TVR",
	"Volkswagen", "Volvo", "Willys", "Yamaha",
}

var makeAliases = map[string]string{
	"chevy":           "Chevrolet",
	"chev":            "Chevrolet",
	"chevolet":        "Chevrolet",
	"vw":              "Volkswagen",
	"volkswagon":      "Volkswagen",
	"mercedes":        "Mercedes-Benz",
	"benz":            "Mercedes-Benz",
	"mb":              "Mercedes-Benz",
	"merc":            "Mercedes-Benz",
	"alfa":            "Alfa Romeo",
	"range rover":     "Land Rover",
	"landrover":       "Land Rover",
	"rolls":           "Rolls-Royce",
	"aston":           "Aston Martin",
	"ih":              "International Harvester",
	"international":   "International Harvester",
	"austin healey":   "Austin-Healey",
	"healey":          "Austin-Healey",
	"harley":          "Harley-Davidson",
	"harley davidson": "Harley-Davidson",
	"olds":            "Oldsmobile",
	"caddy":           "Cadillac",
	"detomaso":        "De Tomaso",
	"american motors": "AMC",
	"delorean motor":  "DeLorean",
	"mercedes benz":   "Mercedes-Benz",
	"willys overland": "Willys",
	"dodge ram":       "Ram",
	"citroën":         "Citroen",
	"general motors":  "GMC",
	"shelby american": "Shelby",
}

// Strings that mark a "make" as site or dealer branding rather than a
// manufacturer.
var brandingRe = regexp.MustCompile(`(?i)(\.com|\.net|\.org|www\.|\b(motors?|motorcars|cars|auto(?:s|mobiles)?|auctions?|classifieds|dealer(?:ship)?|sales|llc|inc|ltd|group|garage|collection|for sale|marketplace|listings?)\b)`)

var makeKeyRe = regexp.MustCompile(`[^a-z0-9ë ]+`)

func init() {
	for _, name := range canonicalMakeNames {
		knownMakes[makeKey(name)] = name
	}
	for alias, name := range makeAliases {
		knownMakes[makeKey(alias)] = name
	}
}

func makeKey(s string) string {
	s = strings.ToLower(Fold(s))
	s = strings.NewReplacer("-", " ", "_", " ", "/", " ").Replace(s)
	s = makeKeyRe.ReplaceAllString(s, "")
	return CollapseSpace(s)
}

// CanonicalMake maps a raw make to its canonical name. known is true when
// the make is in the manufacturer table. Unknown but plausible makes are
// title-cased and returned with known=false; site branding and empty input
// return "".
func CanonicalMake(raw string) (name string, known bool) {
	raw = CleanText(raw)
	if raw == "" {
		return "", false
	}
	if canon, ok := knownMakes[makeKey(raw)]; ok {
		return canon, true
	}
	if brandingRe.MatchString(raw) {
		return "", false
	}
	words := strings.Fields(raw)
	if len(words) > 3 || strings.ContainsAny(raw, "0123456789$|") {
		return "", false
	}
	return titleMake(raw), false
}

// NormalizeMake returns only the canonical name from CanonicalMake.
func NormalizeMake(raw string) string {
	name, _ := CanonicalMake(raw)
	return name
}

// KnownMake reports whether name is a canonical manufacturer name.
func KnownMake(name string) bool {
	canon, ok := knownMakes[makeKey(name)]
	return ok && canon == name
}

// MatchMakePrefix finds the longest known make (up to three words) at the
// start of words and returns the canonical make and the number of words
// consumed.
func MatchMakePrefix(words []string) (string, int) {
	for n := min(3, len(words)); n > 0; n-- {
		if canon, ok := knownMakes[makeKey(strings.Join(words[:n], " "))]; ok {
			return canon, n
		}
	}
	return "", 0
}

// titleMake title-cases each word, keeping short all-caps words such as
// "TVR" or "BMW" as written.
func titleMake(s string) string {
	caser := cases.Title(language.English)
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) <= 3 && w == strings.ToUpper(w) {
			continue
		}
		words[i] = caser.String(w)
	}
	return strings.Join(words, " ")
}
