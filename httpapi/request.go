package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"bulkmailer/delivery"
	"bulkmailer/recipients"
)

// sendRequest is the body of POST /sendBulk. Several spellings are accepted
// for the credential and content fields; the first non-empty one wins.
type sendRequest struct {
	SMTPUser    string      `json:"smtpUser"`
	Email       string      `json:"email"`
	User        string      `json:"user"`
	SMTPPass    string      `json:"smtpPass"`
	Password    string      `json:"password"`
	Pass        string      `json:"pass"`
	SenderName  string      `json:"senderName"`
	FromEmail   string      `json:"fromEmail"`
	From        string      `json:"from"`
	Subject     string      `json:"subject"`
	Text        string      `json:"text"`
	Message     string      `json:"message"`
	HTML        string      `json:"html"`
	Recipients  addressList `json:"recipients"`
	Concurrency optionalInt `json:"concurrency"`
	Retries     optionalInt `json:"retries"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (r *sendRequest) identity() delivery.Identity {
	user := firstNonEmpty(r.SMTPUser, r.Email, r.User)
	name := strings.ReplaceAll(strings.TrimSpace(r.SenderName), `"`, "")
	if name == "" {
		name = "Anonymous"
	}
	return delivery.Identity{
		User:   user,
		Secret: firstSet(r.SMTPPass, r.Password, r.Pass),
		Name:   name,
		From:   firstNonEmpty(r.FromEmail, r.From, user),
	}
}

func (r *sendRequest) template() delivery.Template {
	return delivery.Template{
		Subject: strings.TrimSpace(r.Subject),
		Text:    firstNonEmpty(r.Text, r.Message),
		HTML:    strings.TrimSpace(r.HTML),
	}
}

// addressList accepts either a JSON string of separated addresses or an
// array of strings.
type addressList []string

func (a *addressList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("recipients: %w", err)
		}
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("recipients must be a string or an array of strings")
	}
	*a = []string{s}
	return nil
}

func (a addressList) parse(max int) recipients.List {
	return recipients.FromSlice(a, max)
}

func (a addressList) blank() bool {
	for _, s := range a {
		if strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}

// optionalInt is a number that may arrive as a JSON number or a numeric
// string. Unparseable values count as absent.
type optionalInt struct {
	Value int
	Set   bool
}

func (o *optionalInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	o.Value = int(f)
	o.Set = true
	return nil
}

func (o optionalInt) or(def int) int {
	if o.Set {
		return o.Value
	}
	return def
}

// firstSet returns the first value that is not blank, untouched. Passwords
// may legitimately start or end with spaces.
func firstSet(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
