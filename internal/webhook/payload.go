package webhook

// Payload is the notification body the Cloud API posts to the webhook.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []Status         `json:"statuses,omitempty"`
}

// Metadata names the business phone that received the notification.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *MediaMessage       `json:"image,omitempty"`
	Video       *MediaMessage       `json:"video,omitempty"`
	Audio       *MediaMessage       `json:"audio,omitempty"`
	Document    *MediaMessage       `json:"document,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
}

// Status reports delivery progress of a message we sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

type MediaMessage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InteractiveMessage is a button or list reply.
type InteractiveMessage struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

// Content flattens m into the text stored for the inbox.
func (m InboundMessage) Content() string {
	media := func(tag string, mm *MediaMessage, extra string) string {
		if mm == nil {
			return "[" + tag + "]"
		}
		s := "[" + tag + "]:" + mm.ID
		if extra != "" {
			s += ":" + extra
		}
		return s
	}

	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image":
		if m.Image != nil {
			return media("image", m.Image, m.Image.Caption)
		}
	case "video":
		if m.Video != nil {
			return media("video", m.Video, m.Video.Caption)
		}
	case "audio":
		return media("audio", m.Audio, "")
	case "document":
		if m.Document != nil {
			return media("document", m.Document, m.Document.Filename)
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				return m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				return m.Interactive.ListReply.Title
			}
		}
	}
	return "[" + m.Type + "]"
}
