package models

// AllModels lists every persisted entity in migration order
func AllModels() []any {
	return []any{
		&User{},
		&Transaction{},
		&PaymentRecord{},
		&ReferralEarning{},
		&SavedCart{},
		&AuditLog{},
		&Admin{},
		&Bot{},
	}
}
