package graph

// ChangeNotification is one entry of a webhook notification batch.
type ChangeNotification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ClientState    string       `json:"clientState"`
	ChangeType     string       `json:"changeType"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
}

// ResourceData identifies the changed message.
type ResourceData struct {
	ID string `json:"id"`
}

// NotificationEnvelope is the body Graph posts to the webhook endpoint.
type NotificationEnvelope struct {
	Value []ChangeNotification `json:"value"`
}
