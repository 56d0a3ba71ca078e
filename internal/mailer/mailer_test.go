package mailer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

var testFrom = mail.Address{Name: "Mock Exam", Address: "exam@school.example"}

func testMessage() Message {
	return Message{
		To:      []mail.Address{{Name: "Nguyễn Văn A", Address: "a@example.com"}},
		Cc:      []mail.Address{{Address: "office@school.example"}},
		Subject: "Kết quả: band 6.5",
		Text:    "Your overall band is 6.5.",
		HTML:    "<p>Your overall band is <b>6.5</b>.</p>",
	}
}

func decodePart(t *testing.T, p *multipart.Part) string {
	t.Helper()
	data, err := io.ReadAll(p)
	require.NoError(t, err)
	if p.Header.Get("Content-Transfer-Encoding") == "base64" {
		data, err = base64.StdEncoding.DecodeString(strings.ReplaceAll(string(data), "\r\n", ""))
		require.NoError(t, err)
	}
	return string(data)
}

func TestBuildMIMEAlternative(t *testing.T) {
	raw, err := BuildMIME(testFrom, testMessage(), time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Kết quả: band 6.5", subject)
	assert.Contains(t, m.Header.Get("Cc"), "office@school.example")

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	r := multipart.NewReader(m.Body, params["boundary"])
	p, err := r.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "Your overall band is 6.5.", decodePart(t, p))
	p, err = r.NextPart()
	require.NoError(t, err)
	assert.Contains(t, p.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, decodePart(t, p), "<b>6.5</b>")
	_, err = r.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBuildMIMEWithAttachment(t *testing.T) {
	msg := testMessage()
	pdf := []byte(strings.Repeat("%PDF-1.3 fake ", 20))
	msg.Attachments = []Attachment{{Filename: "report.pdf", ContentType: "application/pdf", Data: pdf}}

	raw, err := BuildMIME(testFrom, msg, time.Now())
	require.NoError(t, err)

	m, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	r := multipart.NewReader(m.Body, params["boundary"])
	body, err := r.NextPart()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body.Header.Get("Content-Type"), "multipart/alternative"))

	att, err := r.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", att.FileName())
	assert.Equal(t, string(pdf), decodePart(t, att))
}

func TestWriteBase64LinesWraps(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeBase64Lines(&sb, make([]byte, 200)))
	for _, line := range strings.Split(strings.TrimSuffix(sb.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}

func TestParseAddressList(t *testing.T) {
	addrs, err := ParseAddressList("")
	require.NoError(t, err)
	assert.Empty(t, addrs)

	addrs, err = ParseAddressList("Office <office@school.example>, teacher@school.example")
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "Office", addrs[0].Name)
	assert.Equal(t, "teacher@school.example", addrs[1].Address)

	_, err = ParseAddressList("not an address")
	assert.Error(t, err)
}

func TestLogMailer(t *testing.T) {
	assert.NoError(t, LogMailer{From: testFrom}.Send(context.Background(), testMessage()))
}

func TestGmailMailer(t *testing.T) {
	var gotRaw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Raw string `json:"raw"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotRaw = body.Raw
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": "msg-1"}`)
	}))
	defer srv.Close()

	g, err := NewGmail(context.Background(), testFrom,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, g.Send(context.Background(), testMessage()))

	raw, err := base64.URLEncoding.DecodeString(gotRaw)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a@example.com")
}

func TestSendgridMailer(t *testing.T) {
	var payload map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if r.URL.Path != sendgridEndpoint {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendgrid("sg-key", testFrom)
	s.host = srv.URL
	msg := testMessage()
	msg.Attachments = []Attachment{{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("pdf")}}
	require.NoError(t, s.Send(context.Background(), msg))

	assert.Equal(t, "Bearer sg-key", auth)
	require.NotNil(t, payload)
	assert.Len(t, payload["content"], 2)
	assert.Len(t, payload["attachments"], 1)
}

func TestSendgridMailerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad key"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSendgrid("bad", testFrom)
	s.host = srv.URL
	err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
