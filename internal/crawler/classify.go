package crawler

import (
	"net/url"
	"regexp"
	"strings"
)

// Category is the broad kind of academic page a URL points to.
type Category string

// Supported page categories.
const (
	CategoryCatalog    Category = "catalog"
	CategoryFaculty    Category = "faculty"
	CategorySyllabus   Category = "syllabus"
	CategoryDepartment Category = "department"
	CategoryCourse     Category = "course"
	CategoryUnknown    Category = "unknown"
)

type categoryPatterns struct {
	category Category
	patterns []*regexp.Regexp
}

// Ordered by specificity so that syllabus beats catalog beats faculty.
var categoryRules = []categoryPatterns{
	{CategorySyllabus, compileAll(`syllab`, `course.?outline`, `course.?materials?`)},
	{CategoryCatalog, compileAll(
		`catalog`, `bulletin`, `courselist`, `course.?list`, `course.?descriptions?`,
		`acalog`, `courseleaf`, `academic.?catalog`, `preview_program`, `preview_entity`,
		`preview_course`, `smartcatalogiq`,
	)},
	{CategoryFaculty, compileAll(
		`faculty`, `people`, `/directory`, `/staff`, `professors?`, `department/people`, `our.?people`,
	)},
	{CategoryCourse, compileAll(`/course`, `/class`, `/section`)},
	{CategoryDepartment, compileAll(
		`department`, `/dept`, `school.?of`, `/cs/?$`, `/cse/?$`, `computer.?science`,
		`data.?science`, `computing`,
	)},
}

var (
	catalogQueryParams  = []string{"catoid", "poid", "ent_oid", "coid"}
	catalogHostPrefixes = []string{"catalogs.", "bulletin.", "coursecatalog."}
	facultyHostPrefixes = []string{"faculty.", "directory."}
)

// Classify guesses the category of a page from its URL, title and snippet.
// Query parameters are checked first, then host prefixes, then path, title
// and snippet patterns. The first match wins.
func Classify(rawURL, title, snippet string) Category {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CategoryUnknown
	}
	query := u.Query()
	for _, key := range catalogQueryParams {
		if query.Has(key) {
			return CategoryCatalog
		}
	}

	host := strings.ToLower(u.Hostname())
	for _, prefix := range catalogHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return CategoryCatalog
		}
	}
	for _, prefix := range facultyHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return CategoryFaculty
		}
	}

	for _, text := range []string{strings.ToLower(u.Path), strings.ToLower(title), strings.ToLower(snippet)} {
		if text == "" {
			continue
		}
		for _, rule := range categoryRules {
			for _, re := range rule.patterns {
				if re.MatchString(text) {
					return rule.category
				}
			}
		}
	}
	return CategoryUnknown
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}
