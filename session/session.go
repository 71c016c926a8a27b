// Package session is the narrow key/value view of a browser session used by
// the login flow and the impersonation subsystem.
package session

import (
	"encoding/gob"
	"net/http"

	"github.com/gorilla/sessions"
)

// Store is the per-request session state.
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	Delete(key string)
}

// Saver is implemented by stores that must be persisted explicitly before the
// response is written.
type Saver interface {
	Save(r *http.Request, w http.ResponseWriter) error
}

// Level of a user facing message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a one-shot banner shown to the user on their next page view.
type Message struct {
	Level Level
	Text  string
}

// Messenger is implemented by stores that can carry Messages.
type Messenger interface {
	AddMessage(m Message)
	Messages() []Message
}

func init() {
	gob.Register(Message{})
}

// GetString returns the value under key if it is a non-empty string.
func GetString(s Store, key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok && str != ""
}

// PopString returns and removes the string under key.
func PopString(s Store, key string) (string, bool) {
	str, ok := GetString(s, key)
	s.Delete(key)
	return str, ok
}

// AddMessage queues m if s can carry messages.
func AddMessage(s Store, level Level, text string) {
	if m, ok := s.(Messenger); ok {
		m.AddMessage(Message{Level: level, Text: text})
	}
}

// Session adapts a gorilla session to Store.
type Session struct {
	s *sessions.Session
}

var (
	_ Store     = (*Session)(nil)
	_ Saver     = (*Session)(nil)
	_ Messenger = (*Session)(nil)
)

func New(s *sessions.Session) *Session {
	return &Session{s: s}
}

func (s *Session) Get(key string) (interface{}, bool) {
	v, ok := s.s.Values[key]
	return v, ok
}

func (s *Session) Set(key string, value interface{}) {
	s.s.Values[key] = value
}

func (s *Session) Delete(key string) {
	delete(s.s.Values, key)
}

func (s *Session) Save(r *http.Request, w http.ResponseWriter) error {
	return s.s.Save(r, w)
}

func (s *Session) AddMessage(m Message) {
	s.s.AddFlash(m)
}

// Messages drains the queued messages. The session must be saved afterwards
// for them to stay drained.
func (s *Session) Messages() []Message {
	var ret []Message
	for _, f := range s.s.Flashes() {
		if m, ok := f.(Message); ok {
			ret = append(ret, m)
		}
	}
	return ret
}

// Memory is a map backed Store, used in tests and by callers without a
// browser session.
type Memory struct {
	Values map[string]interface{}
	Queued []Message
	Saves  int
}

var (
	_ Store     = (*Memory)(nil)
	_ Saver     = (*Memory)(nil)
	_ Messenger = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{Values: make(map[string]interface{})}
}

func (m *Memory) Get(key string) (interface{}, bool) {
	v, ok := m.Values[key]
	return v, ok
}

func (m *Memory) Set(key string, value interface{}) {
	m.Values[key] = value
}

func (m *Memory) Delete(key string) {
	delete(m.Values, key)
}

func (m *Memory) Save(*http.Request, http.ResponseWriter) error {
	m.Saves++
	return nil
}

func (m *Memory) AddMessage(msg Message) {
	m.Queued = append(m.Queued, msg)
}

func (m *Memory) Messages() []Message {
	ret := m.Queued
	m.Queued = nil
	return ret
}
