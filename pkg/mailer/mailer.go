package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/ajbcloud/FutsalCulture-sub001/pkg/config"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Sender 投递适配器：发送一封邮件并报告成败
// 重试与退避由批量投递引擎负责，适配器内部不做重试
type Sender interface {
	Send(ctx context.Context, to string, msg *Message) error
}

// SMTPSender 基于SMTP的投递适配器
type SMTPSender struct {
	cfg config.SMTPConfig
}

// NewSMTPSender 创建SMTP投递适配器
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

// dial 建立SMTP连接并完成握手与认证
func (s *SMTPSender) dial() (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var client *smtp.Client
	var err error
	if s.cfg.UseTLS {
		client, err = smtp.DialTLS(addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("连接SMTP服务器失败: %v", err)
	}

	if s.cfg.Hello != "" {
		if err := client.Hello(s.cfg.Hello); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP握手失败: %v", err)
		}
	}

	if s.cfg.Username != "" || s.cfg.Password != "" {
		if err := client.Auth(sasl.NewLoginClient(s.cfg.Username, s.cfg.Password)); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP认证失败: %v", err)
		}
	}

	return client, nil
}

// Send 投递一封邮件
func (s *SMTPSender) Send(ctx context.Context, to string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if msg.From == "" {
		msg.From = s.cfg.From
	}
	msg.To = to

	if err := client.Mail(msg.From, nil); err != nil {
		return fmt.Errorf("SMTP服务器拒绝发件人 %s: %v", msg.From, err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("SMTP服务器拒绝收件人 %s: %v", to, err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP服务器拒绝数据传输: %v", err)
	}
	if err := msg.Write(writer); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	if err := client.Quit(); err != nil {
		// 部分SMTP服务器对QUIT返回250而非221
		smtpErr := &smtp.SMTPError{}
		if errors.As(err, &smtpErr) && smtpErr.Code == 250 {
			return nil
		}
		return err
	}
	return nil
}
