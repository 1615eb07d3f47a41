package model

import "time"

// Sender identifies who wrote an inbound message on a channel.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is an inbound item delivered by a profile. Channel and ID are
// opaque to the core and only meaningful to the profile that produced them.
type Message struct {
	ID       string    `json:"id"`
	Channel  string    `json:"channel,omitempty"`
	Sender   Sender    `json:"sender"`
	Text     string    `json:"text"`
	Received time.Time `json:"received"`
}
