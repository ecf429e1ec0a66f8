// Package snapshots keeps local copies of the IndY timetable resources and
// re-derives them from upstream on demand.
package snapshots

import "time"

// Resource names as reported in sync results.
const (
	ResourceTeachers        = "teachers"
	ResourceHours           = "hours"
	ResourceSubjects        = "subjects"
	ResourceSpecialSchedule = "special_indy"
)

// Resources lists every synced resource in reporting order.
var Resources = []string{ResourceTeachers, ResourceHours, ResourceSubjects, ResourceSpecialSchedule}

// Teacher is keyed by the upstream teacher id.
type Teacher struct {
	TID             string  `gorm:"column:tid;primaryKey;size:64;not null"`
	Firstname       string  `gorm:"column:firstname;not null"`
	Lastname        string  `gorm:"column:lastname;not null"`
	Username        *string `gorm:"column:username"`
	Email           *string `gorm:"column:email"`
	AreaOfExpertise *string `gorm:"column:area_of_expertise"`
}

// TableName provides the explicit table binding for GORM.
func (Teacher) TableName() string {
	return "teachers"
}

// HourSlot is one weekly timetable slot. The table has no key and is replaced wholesale.
type HourSlot struct {
	Day             string  `gorm:"column:day;not null"`
	Hour            int     `gorm:"column:hour;not null"`
	Room            string  `gorm:"column:room;not null"`
	Teacher         string  `gorm:"column:teacher;not null"`
	Consultation    bool    `gorm:"column:consultation;not null"`
	Slimit          int     `gorm:"column:slimit;not null"`
	Fullname        string  `gorm:"column:fullname;not null"`
	AreaOfExpertise *string `gorm:"column:area_of_expertise"`
}

// TableName provides the explicit table binding for GORM.
func (HourSlot) TableName() string {
	return "hours"
}

// Subject is keyed by its short name.
type Subject struct {
	Subject  string  `gorm:"column:subject;primaryKey;size:190;not null"`
	Longname *string `gorm:"column:longname"`
}

// TableName provides the explicit table binding for GORM.
func (Subject) TableName() string {
	return "subjects"
}

// SpecialSchedule is a dated override of the weekly timetable.
type SpecialSchedule struct {
	Teacher         string  `gorm:"column:teacher;not null"`
	Day             string  `gorm:"column:day;not null"`
	Hour            int     `gorm:"column:hour;not null"`
	AreaOfExpertise *string `gorm:"column:area_of_expertise"`
	StartDate       string  `gorm:"column:start_date;size:10;not null"`
	EndDate         string  `gorm:"column:end_date;size:10;not null"`
	Slimit          int     `gorm:"column:slimit;not null"`
	Room            *string `gorm:"column:room"`
	Fullname        *string `gorm:"column:fullname"`
}

// TableName provides the explicit table binding for GORM.
func (SpecialSchedule) TableName() string {
	return "special_schedule"
}

// SyncState records the latest pull of one resource.
type SyncState struct {
	Resource      string     `gorm:"column:resource;primaryKey;size:32;not null" json:"resource"`
	LastRunID     string     `gorm:"column:last_run_id;size:36" json:"last_run_id"`
	LastRunAt     time.Time  `gorm:"column:last_run_at;not null" json:"last_run_at"`
	LastSuccessAt *time.Time `gorm:"column:last_success_at" json:"last_success_at"`
	LastError     string     `gorm:"column:last_error;type:text" json:"last_error"`
	LastRowCount  int        `gorm:"column:last_row_count;not null" json:"last_row_count"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_states"
}

func teacherFromRow(row Row) Teacher {
	return Teacher{
		TID:             row.String("tid"),
		Firstname:       row.String("firstname"),
		Lastname:        row.String("lastname"),
		Username:        row.OptionalString("username"),
		Email:           row.OptionalString("email"),
		AreaOfExpertise: row.OptionalString("area_of_expertise"),
	}
}

func hourFromRow(row Row) HourSlot {
	return HourSlot{
		Day:             row.String("day"),
		Hour:            row.Int("hour"),
		Room:            row.String("room"),
		Teacher:         row.String("teacher"),
		Consultation:    row.Bool("consultation"),
		Slimit:          row.Int("slimit"),
		Fullname:        row.String("fullname"),
		AreaOfExpertise: row.OptionalString("area_of_expertise"),
	}
}

func subjectFromRow(row Row) Subject {
	return Subject{
		Subject:  row.String("subject"),
		Longname: row.OptionalString("longname"),
	}
}

func specialScheduleFromRow(row Row) SpecialSchedule {
	return SpecialSchedule{
		Teacher:         row.String("teacher"),
		Day:             row.String("day"),
		Hour:            row.Int("hour"),
		AreaOfExpertise: row.OptionalString("area_of_expertise"),
		StartDate:       row.String("start_date"),
		EndDate:         row.String("end_date"),
		Slimit:          row.Int("slimit"),
		Room:            row.OptionalString("room"),
		Fullname:        row.OptionalString("fullname"),
	}
}
