package models

// All returns every persisted model, in foreign-key order.
func All() []interface{} {
	return []interface{}{
		&Location{},
		&AgencyToken{},
		&Contact{},
		&Conversation{},
		&Message{},
		&Task{},
		&Opportunity{},
		&SyncStatus{},
		&WebhookEvent{},
	}
}
