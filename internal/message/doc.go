// Package message defines the chat message record shared by every layer of
// the conversation engine.
//
// A Record is a plain value. Producers (the chat gateway for live events, the
// history reconciler for fetched messages, the channel actor for generated
// replies) build one and never change it afterwards; consumers copy it freely.
package message
