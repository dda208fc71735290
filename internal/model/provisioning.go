package model

// DepartmentSeed is one department row to create in a new hospital
type DepartmentSeed struct {
	NameAr string `json:"name_ar" yaml:"name_ar"`
	NameEn string `json:"name_en" yaml:"name_en"`
}

// AdminSeed describes the optional initial hospital administrator
type AdminSeed struct {
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

// AdminAccount is an AdminSeed with its secret already hashed
type AdminAccount struct {
	FullName     string
	Username     string
	PasswordHash string
	Email        string
	Phone        string
}

// ProvisionSpec is the input to tenant provisioning
type ProvisionSpec struct {
	NameAr       string           `json:"name_ar"`
	NameEn       string           `json:"name_en"`
	Code         string           `json:"code"`
	City         string           `json:"city"`
	Region       string           `json:"region"`
	Active       bool             `json:"active"`
	Departments  []DepartmentSeed `json:"departments"`
	InitialAdmin *AdminSeed       `json:"initial_admin,omitempty"`
}

// ProvisionResult summarizes a completed provisioning run
type ProvisionResult struct {
	TenantID           int64  `json:"tenant_id"`
	Code               string `json:"code"`
	DatabaseName       string `json:"database_name"`
	CredentialUser     string `json:"credential_user"`
	DepartmentsCreated int    `json:"departments_created"`
	AdminCreated       bool   `json:"admin_created"`
	SchemaUnitsApplied int    `json:"schema_units_applied"`
	SchemaUnitsFailed  int    `json:"schema_units_failed"`
}
