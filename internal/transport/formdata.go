package transport

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strings"
)

// FormField is a form entry. A field with a Filename is sent as a file part.
type FormField struct {
	Name        string
	Value       []byte
	Filename    string
	ContentType string
}

// FormData is an ordered list of form fields.
type FormData struct {
	Fields []FormField
}

func (f *FormData) Add(field FormField) {
	f.Fields = append(f.Fields, field)
}

// AddValue appends a scalar field.
func (f *FormData) AddValue(name, value string) {
	f.Add(FormField{Name: name, Value: []byte(value)})
}

func (f *FormData) multipart() bool {
	for _, field := range f.Fields {
		if field.Filename != "" || field.ContentType != "" {
			return true
		}
	}
	return false
}

// Encode returns the body and its content type: multipart when any field is
// a file or typed part, urlencoded otherwise.
func (f *FormData) Encode() (io.Reader, string, error) {
	if !f.multipart() {
		values := url.Values{}
		for _, field := range f.Fields {
			values.Add(field.Name, string(field.Value))
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range f.Fields {
		header := make(textproto.MIMEHeader)
		disposition := fmt.Sprintf(`form-data; name="%s"`, escapeQuotes(field.Name))
		if field.Filename != "" {
			disposition += fmt.Sprintf(`; filename="%s"`, escapeQuotes(field.Filename))
		}
		header.Set("Content-Disposition", disposition)
		switch {
		case field.ContentType != "":
			header.Set("Content-Type", field.ContentType)
		case field.Filename != "":
			header.Set("Content-Type", "application/octet-stream")
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(field.Value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
