package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Role is an employee role as issued by the dashboard login.
type Role string

const (
	RoleSuperAdmin Role = "SuperAdmin"
	RoleSales      Role = "Sales"
	RoleAdvert     Role = "Advert"
	RoleHR         Role = "HR"
	RoleDeveloper  Role = "Developer"
	RoleContent    Role = "Content"
)

// Valid reports whether the role is present. Unknown but non-empty roles are
// valid; they simply carry no WhatsApp entitlement.
func (r Role) Valid() bool {
	return strings.TrimSpace(string(r)) != ""
}

// Employee is the requester of a conversation operation.
type Employee struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Role        Role     `json:"role"`
	AllotedArea []string `json:"alloted_area"`
}

// RetargetStage is the lifecycle position of a retarget conversation.
type RetargetStage int

const (
	StageUnset RetargetStage = iota
	StageInitiated
	StageEngaged
	StageHandedToSales
)

// ParseRetargetStage maps the stored string form to a stage. Anything that is
// not a known stage is StageUnset, which counts as "not handed over".
func ParseRetargetStage(s string) RetargetStage {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiated":
		return StageInitiated
	case "engaged":
		return StageEngaged
	case "handed_to_sales":
		return StageHandedToSales
	default:
		return StageUnset
	}
}

func (s RetargetStage) String() string {
	switch s {
	case StageInitiated:
		return "initiated"
	case StageEngaged:
		return "engaged"
	case StageHandedToSales:
		return "handed_to_sales"
	case StageUnset:
		return ""
	}
	return ""
}

// HandedOver is true only once ownership moved to Sales.
func (s RetargetStage) HandedOver() bool {
	return s == StageHandedToSales
}

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s RetargetStage) Before(o RetargetStage) bool {
	return s < o
}

func (s RetargetStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RetargetStage) UnmarshalText(b []byte) error {
	*s = ParseRetargetStage(string(b))
	return nil
}

// Value stores the stage as its string form.
func (s RetargetStage) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan reads the string form written by Value.
func (s *RetargetStage) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = StageUnset
	case string:
		*s = ParseRetargetStage(v)
	case []byte:
		*s = ParseRetargetStage(string(v))
	default:
		return fmt.Errorf("cannot scan %T into RetargetStage", src)
	}
	return nil
}

// SourceInternal marks conversations started from inside the company. They
// are exempt from area and ownership rules.
const SourceInternal = "internal"

// Conversation is a WhatsApp thread between one business phone and one
// customer.
type Conversation struct {
	ID              string        `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BusinessPhoneID string        `gorm:"type:varchar(64);not null;index" json:"business_phone_id"`
	CustomerWaID    string        `gorm:"type:varchar(32);not null;index" json:"customer_wa_id"`
	Source          string        `gorm:"type:varchar(32)" json:"source,omitempty"`
	IsRetarget      bool          `gorm:"default:false" json:"is_retarget"`
	RetargetStage   RetargetStage `gorm:"type:varchar(32)" json:"retarget_stage"`
	OwnerRole       Role          `gorm:"type:varchar(32)" json:"owner_role,omitempty"`
	OwnerUserID     string        `gorm:"type:varchar(64)" json:"owner_user_id,omitempty"`
	AssignedAgent   string        `gorm:"type:varchar(64)" json:"assigned_agent,omitempty"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// IsInternal reports whether the conversation bypasses area and ownership.
func (c Conversation) IsInternal() bool {
	return c.Source == SourceInternal
}

// HasAssignee is true when either agent field names a specific employee.
func (c Conversation) HasAssignee() bool {
	return c.AssignedAgent != "" || c.OwnerUserID != ""
}

// AssignedTo reports whether userID owns the conversation through either
// agent field.
func (c Conversation) AssignedTo(userID string) bool {
	if userID == "" {
		return false
	}
	return c.AssignedAgent == userID || c.OwnerUserID == userID
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is a single WhatsApp message stored against a conversation.
type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);index;not null" json:"conversation_id"`
	WaMessageID    string    `gorm:"type:varchar(128);index" json:"wa_message_id"`
	Direction      string    `gorm:"type:varchar(16)" json:"direction"`
	Sender         string    `gorm:"type:varchar(64)" json:"sender"`
	Content        string    `gorm:"type:text" json:"content"`
	Type           string    `gorm:"type:varchar(50)" json:"type"`
	Status         string    `gorm:"type:varchar(20)" json:"status"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
