package indy

// Resource names an upstream collection endpoint.
type Resource struct {
	Name         string
	Path         string
	RequiresAuth bool
}

var (
	ResourceTeachers        = Resource{Name: "teachers", Path: "/teacher/", RequiresAuth: true}
	ResourceHours           = Resource{Name: "hours", Path: "/hour/"}
	ResourceSubjects        = Resource{Name: "subjects", Path: "/subject/active"}
	ResourceSpecialSchedule = Resource{Name: "special_indy", Path: "/specialindy/"}
)
