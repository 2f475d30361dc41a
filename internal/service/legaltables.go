package service

import "regexp"

// statuteNumberRe matches an SFS-style statute number, e.g. "2010:800".
var statuteNumberRe = regexp.MustCompile(`\d{4}:\d+`)

// chapterRe matches a chapter reference, e.g. "5 kap".
var chapterRe = regexp.MustCompile(`\d+\s*kap\b`)

// paragraphRe matches a paragraph reference, e.g. "3 §".
var paragraphRe = regexp.MustCompile(`\d+\s*§`)

// abbreviationEdgeRe matches the exact "ABBR N:M" abbreviation-edge intent
// pattern, e.g. "FL 12:3".
var abbreviationEdgeRe = regexp.MustCompile(`\b[A-ZÅÄÖ]{2,6}\s+\d+:\d+\b`)

// knownAbbreviations is the closed set of Swedish legal-act abbreviations
// recognized as entities. Read-only, loaded once.
var knownAbbreviations = map[string]struct{}{
	"FL":  {},
	"OSL": {},
	"RF":  {},
	"SOL": {},
	"FB":  {},
	"ÄB":  {},
	"JB":  {},
	"BRB": {},
	"RB":  {},
	"PBL": {},
	"LVU": {},
	"LVM": {},
	"LSS": {},
	"AML": {},
	"ABL": {},
}

// knownAuthorities is the closed set of Swedish governmental authority
// names recognized as entities.
var knownAuthorities = map[string]struct{}{
	"riksdagen":          {},
	"regeringen":         {},
	"justitieombudsmannen": {},
	"skatteverket":       {},
	"försäkringskassan":  {},
	"socialstyrelsen":    {},
	"kammarrätten":       {},
	"högsta domstolen":   {},
	"jo":                 {},
	"jk":                 {},
}

// demonstrativePronouns are Swedish anaphoric/demonstrative markers whose
// presence signals the query refers back to something in history.
var demonstrativePronouns = map[string]struct{}{
	"den":    {},
	"det":    {},
	"denna":  {},
	"detta":  {},
	"dessa":  {},
	"den här": {},
	"det där": {},
	"han":    {},
	"hon":    {},
	"de":     {},
	"dem":    {},
}

// followUpMarkers prefix a query that continues a prior conversational turn.
var followUpMarkers = []string{"och", "men", "enligt", "vad gäller då", "men då"}

// stopwords is the closed, read-only set excluded from keyword extraction
// (but NOT from lexical_overlap, which retains function words deliberately).
var stopwords = map[string]struct{}{
	"och": {}, "eller": {}, "men": {}, "som": {}, "att": {}, "det": {},
	"den": {}, "de": {}, "är": {}, "var": {}, "för": {}, "till": {},
	"med": {}, "på": {}, "av": {}, "i": {}, "en": {}, "ett": {},
	"vad": {}, "hur": {}, "vilken": {}, "vilket": {}, "kan": {}, "ska": {},
}

// legalContextWords is a small dictionary used by the paraphrase template
// to turn a question into an entity-focused keyword concatenation.
var legalContextWords = map[string]string{
	"säger":    "bestämmelse",
	"gäller":   "regel",
	"innebär":  "innebörd",
	"krav":     "krav",
	"skyldighet": "skyldighet",
}

// termCorrections is the static guardrail table of outdated Swedish legal
// terms (renamed authorities, repealed acts) mapped to their replacement,
// applied verbatim by the Guardrail's apply_corrections.
var termCorrections = map[string]string{
	"Datainspektionen":        "Integritetsskyddsmyndigheten",
	"Riksskatteverket":        "Skatteverket",
	"Socialstyrelsens nämnd":  "Inspektionen för vård och omsorg",
	"Arbetarskyddsstyrelsen":  "Arbetsmiljöverket",
	"Invandrarverket":         "Migrationsverket",
}
