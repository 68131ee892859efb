package mailer

import (
	"fmt"
	"io"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
)

// Message 待投递的邮件内容
type Message struct {
	From      string
	To        string
	Subject   string
	PlainBody string // 纯文本正文
	HTMLBody  string // HTML正文
}

// Write 按multipart/alternative格式写出完整邮件
func (m *Message) Write(w io.Writer) error {
	mw := multipart.NewWriter(w)

	_, err := fmt.Fprintf(w,
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: multipart/alternative; boundary=%s\r\n\r\n",
		m.From, m.To, m.Subject, mw.Boundary())
	if err != nil {
		return err
	}

	if m.PlainBody != "" {
		if err := writeQuotedPart(mw, "text/plain; charset=utf-8", m.PlainBody); err != nil {
			return err
		}
	}

	if m.HTMLBody != "" {
		if err := writeQuotedPart(mw, "text/html; charset=utf-8", m.HTMLBody); err != nil {
			return err
		}
	}

	return mw.Close()
}

// writeQuotedPart 写出一个quoted-printable编码的正文部分
func writeQuotedPart(mw *multipart.Writer, contentType, body string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "quoted-printable")

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(part)
	if _, err := io.Copy(qp, strings.NewReader(body)); err != nil {
		return err
	}
	return qp.Close()
}
