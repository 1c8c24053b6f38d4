package recorder

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordJudgment(_ *JudgmentEvent) error         { return nil }
func (n *NoopRecorder) RecordAction(_ *ActionEvent) error             { return nil }
func (n *NoopRecorder) RecordVerification(_ *VerificationEvent) error { return nil }
func (n *NoopRecorder) RecordEviction(_ *EvictionEvent) error         { return nil }
func (n *NoopRecorder) Accuracy() (Accuracy, error)                   { return Accuracy{}, nil }
func (n *NoopRecorder) Close() error                                  { return nil }
