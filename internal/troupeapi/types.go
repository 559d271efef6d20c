package troupeapi

// Entities as the platform API serves them. The gateway treats them as
// opaque records; the API owns all persistence and cross-entity rules.

const (
	QualificationBeginner     = "Beginner"
	QualificationIntermediate = "Intermediate"
	QualificationExpert       = "Expert"
)

type User struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	Role          string `json:"role"`
	Qualification string `json:"qualification"`
}

const (
	FileTypeVideo = "video"
	FileTypePDF   = "pdf"
)

type Training struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FileType    string `json:"file_type"`
	// FileData is the base64 encoded file payload, inlined by the API
	FileData   string `json:"file_data,omitempty"`
	UploadedBy string `json:"uploaded_by"`
}

type ScheduleEvent struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Venue       string `json:"venue"`
	Date        string `json:"date"` // YYYY-MM-DD
	Time        string `json:"time"` // HH:MM
	CreatedBy   string `json:"created_by"`
}

const (
	BookingPending  = "pending"
	BookingApproved = "approved"
	BookingRejected = "rejected"
)

type Booking struct {
	ID              int     `json:"id"`
	UserName        string  `json:"user_name"`
	UserEmail       string  `json:"user_email"`
	PhoneNumber     string  `json:"phone_number"`
	EventType       string  `json:"event_type"`
	EventDate       string  `json:"event_date"`
	EventTime       string  `json:"event_time"`
	Fee             float64 `json:"fee"`
	Status          string  `json:"status"`
	AdditionalNotes string  `json:"additional_notes"`
}

type EventType struct {
	ID        int     `json:"id"`
	EventType string  `json:"event_type"`
	Fee       float64 `json:"fee"`
}

const (
	AttendancePresent = "present"
	AttendanceAbsent  = "absent"
)

type AttendanceRecord struct {
	ID       int    `json:"id"`
	UserID   int    `json:"user_id"`
	UserName string `json:"user_name"`
	Date     string `json:"date"`
	Status   string `json:"status"`
}

// AttendanceMark is one row of a day marking payload.
type AttendanceMark struct {
	UserID int    `json:"user_id"`
	Status string `json:"status"`
}

const (
	ComplaintPending    = "pending"
	ComplaintResolved   = "resolved"
	ComplaintRejected   = "rejected"
	ComplaintReappealed = "reappealed"
	ComplaintClosed     = "closed"
)

type Complaint struct {
	ID            int    `json:"id"`
	UserID        int    `json:"user_id"`
	UserName      string `json:"user_name"`
	ComplaintText string `json:"complaint_text"`
	Status        string `json:"status"`
	Response      string `json:"response"`
}

type Qualification struct {
	UserID        int    `json:"user_id"`
	UserName      string `json:"user_name"`
	Qualification string `json:"qualification"`
}

type LoginResult struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

type DashboardSummary struct {
	TotalUsers         int `json:"total_users"`
	PendingBookings    int `json:"pending_bookings"`
	PendingComplaints  int `json:"pending_complaints"`
	UpcomingEvents     int `json:"upcoming_events"`
	TrainingsAvailable int `json:"trainings_available"`
}

type ReportData struct {
	Users       []User             `json:"users"`
	Bookings    []Booking          `json:"bookings"`
	Attendance  []AttendanceRecord `json:"attendance"`
	Complaints  []Complaint        `json:"complaints"`
	GeneratedAt string             `json:"generated_at"`
}
