package rocketchat

// WebhookMessage is the payload Rocket.Chat posts to the bridge for each
// message in a channel with an outgoing webhook. The token identifies the
// sending server.
type WebhookMessage struct {
	MessageID   string `json:"message_id"`
	Token       string `json:"token,omitempty"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name,omitempty"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Text        string `json:"text"`
}

// Channel is one entry from the channels.list endpoint.
type Channel struct {
	ID        string   `json:"_id"`
	Name      string   `json:"name"`
	Usernames []string `json:"usernames,omitempty"`
}

// apiResponse is the standard envelope of the REST API.
type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type infoResponse struct {
	apiResponse
	Info struct {
		Version string `json:"version"`
	} `json:"info"`
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		UserID    string `json:"userId"`
		AuthToken string `json:"authToken"`
		Me        struct {
			Username string `json:"username"`
		} `json:"me"`
	} `json:"data"`
}

type channelsResponse struct {
	apiResponse
	Channels []Channel `json:"channels"`
}
