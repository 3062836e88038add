package dto

type ResolveEventReq struct {
	EventID       int64  `json:"event_id" validate:"required,gt=0"`
	AggregateType string `json:"aggregate_type" validate:"required"`
	Reason        string `json:"reason" validate:"required,max=512"`
}

type BatchReprocessResp struct {
	AggregateType string `json:"aggregate_type"`
	Attempted     int    `json:"attempted"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
}

type CleanupResp struct {
	Expired    int64 `json:"expired"`
	DaysToKeep int   `json:"days_to_keep"`
}

type DLQEventResp struct {
	EventID           int64  `json:"event_id"`
	AggregateID       string `json:"aggregate_id"`
	AggregateType     string `json:"aggregate_type"`
	EventType         string `json:"event_type"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
	FailureReason     string `json:"failure_reason"`
	ReprocessAttempts int    `json:"reprocess_attempts"`
	Status            string `json:"status"`
}
