package inbox

import (
	"fmt"
	"maps"
	"time"
)

// RoleAll はテナント内の全ロールを対象とするブロードキャストの宛先。
const RoleAll = "all"

// MaxFetchLimit は通知一覧を1回で取得できる件数の上限。
const MaxFetchLimit = 500

// Category は通知のカテゴリ。
type Category string

const (
	CategoryJob            Category = "job"
	CategoryVisit          Category = "visit"
	CategoryAbsenceRequest Category = "absence_request"
	CategoryInvoice        Category = "invoice"
	CategoryPayroll        Category = "payroll"
	CategorySystem         Category = "system"
	CategoryFinancial      Category = "financial"
)

// Valid は定義済みのカテゴリかどうかを返す。
func (c Category) Valid() bool {
	switch c {
	case CategoryJob, CategoryVisit, CategoryAbsenceRequest, CategoryInvoice,
		CategoryPayroll, CategorySystem, CategoryFinancial:
		return true
	}
	return false
}

// Severity は通知の重要度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid は定義済みの重要度かどうかを返す。
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Mode は通知の配信形態。
type Mode int

const (
	// ModeDirect は1人の宛先ユーザーに送られた通知。既読状態は通知レコード自身が持つ。
	ModeDirect Mode = iota
	// ModeBroadcast はロール（または全員）に送られた通知。既読状態はReadStatusEntryで管理する。
	ModeBroadcast
)

// String はログ出力用の名前を返す。
func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "broadcast"
}

// Notification は通知イベントのレコード。
type Notification struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// TenantID は通知が属するテナントの識別子。
	TenantID string `json:"tenant_id"`
	// RecipientUserID は個人宛て通知の宛先。ブロードキャストの場合はnil。
	RecipientUserID *string `json:"recipient_user_id"`
	// TargetRole はブロードキャストの宛先ロール。"all"は全ロールを表す。
	TargetRole *string `json:"target_role"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Category は通知のカテゴリ。
	Category Category `json:"category"`
	// Severity は通知の重要度。
	Severity Severity `json:"severity"`
	// Metadata は任意の付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// IsRead は既読状態。Reconcilerを通した後は閲覧者にとっての実効的な既読状態を表す。
	IsRead bool `json:"is_read"`
	// ReadAt は既読にした日時。未読の場合はnil。
	ReadAt *time.Time `json:"read_at"`
}

// Mode は配信形態を返す。
// 宛先ユーザーIDとロールの両方が設定された不正なレコードは宛先ユーザーIDを優先して
// 個人宛てとして扱い、どちらも無いレコードはブロードキャストとして扱う。
func (n Notification) Mode() Mode {
	if n.RecipientUserID != nil && *n.RecipientUserID != "" {
		return ModeDirect
	}
	return ModeBroadcast
}

// ValidateTargeting は宛先の指定がちょうど1つであることを検証する。
func (n Notification) ValidateTargeting() error {
	hasRecipient := n.RecipientUserID != nil && *n.RecipientUserID != ""
	hasRole := n.TargetRole != nil && *n.TargetRole != ""
	switch {
	case hasRecipient && hasRole:
		return fmt.Errorf("notification %s: %w", n.ID, ErrAmbiguousTarget)
	case !hasRecipient && !hasRole:
		return fmt.Errorf("notification %s: %w", n.ID, ErrMissingTarget)
	}
	return nil
}

// VisibleTo は通知が指定されたセッションの受信対象かどうかを返す。
func (n Notification) VisibleTo(id Identity) bool {
	if n.Mode() == ModeDirect {
		return *n.RecipientUserID == id.UserID
	}
	if n.TenantID != id.TenantID || n.TargetRole == nil {
		return false
	}
	return *n.TargetRole == RoleAll || *n.TargetRole == id.Role
}

// Clone はMetadataを含めて複製した通知を返す。
func (n Notification) Clone() Notification {
	c := n
	if n.Metadata != nil {
		c.Metadata = maps.Clone(n.Metadata)
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return c
}

// ReadStatusEntry は「このユーザーがこのブロードキャスト通知を読んだ」ことを表す台帳の行。
// 個人宛て通知に対して作成されてはならない。
type ReadStatusEntry struct {
	// NotificationID はブロードキャスト通知のID。
	NotificationID string `json:"notification_id"`
	// UserID は既読にしたユーザーのID。
	UserID string `json:"user_id"`
	// ReadAt は既読にした日時。
	ReadAt time.Time `json:"read_at"`
}

// Identity は現在のセッションのユーザー情報。
type Identity struct {
	// UserID はログイン中のユーザーID。
	UserID string `json:"user_id"`
	// Role はユーザーのロール。
	Role string `json:"role"`
	// TenantID はユーザーが所属するテナントID。
	TenantID string `json:"tenant_id"`
}

// Preference keys はプロデューサーが通知作成前に参照する受信設定のキー。
const (
	PrefJobAssigned          = "job_assigned"
	PrefJobUpdated           = "job_updated"
	PrefVisitScheduled       = "visit_scheduled"
	PrefAbsenceRequested     = "absence_requested"
	PrefAbsenceStatusChanged = "absence_status_changed"
	PrefInvoiceCreated       = "invoice_created"
	PrefInvoicePaid          = "invoice_paid"
	PrefPayrollProcessed     = "payroll_processed"
	PrefCashActivity         = "cash_activity"
	PrefSystemBroadcast      = "system_broadcast"
)

var preferenceKeys = map[string]struct{}{
	PrefJobAssigned:          {},
	PrefJobUpdated:           {},
	PrefVisitScheduled:       {},
	PrefAbsenceRequested:     {},
	PrefAbsenceStatusChanged: {},
	PrefInvoiceCreated:       {},
	PrefInvoicePaid:          {},
	PrefPayrollProcessed:     {},
	PrefCashActivity:         {},
	PrefSystemBroadcast:      {},
}

// ValidPreferenceKey は定義済みの受信設定キーかどうかを返す。
func ValidPreferenceKey(key string) bool {
	_, ok := preferenceKeys[key]
	return ok
}

// Preferences はユーザー×テナントごとの通知受信設定。
type Preferences struct {
	// UserID は設定の持ち主。
	UserID string `json:"user_id"`
	// TenantID は設定が属するテナント。
	TenantID string `json:"tenant_id"`
	// Flags はカテゴリ・サブタイプごとの受信可否。
	Flags map[string]bool `json:"flags"`
	// CreatedAt は設定の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は設定の更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Enabled は指定キーの通知を受け取るかどうかを返す。未設定のキーは受け取る扱い。
func (p *Preferences) Enabled(key string) bool {
	if p == nil {
		return true
	}
	v, ok := p.Flags[key]
	return !ok || v
}

// Clone は設定の複製を返す。
func (p *Preferences) Clone() *Preferences {
	if p == nil {
		return nil
	}
	c := *p
	c.Flags = maps.Clone(p.Flags)
	return &c
}
