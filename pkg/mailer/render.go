package mailer

import (
	"fmt"
	"html"
)

// RenderInvite 渲染邀请邮件内容
// clubName为租户（俱乐部）名称，baseURL为邀请接受页面基础地址
func RenderInvite(clubName, inviteeName, role, customMessage, token, baseURL string) *Message {
	if clubName == "" {
		clubName = "FutsalCulture"
	}
	greeting := "您好"
	if inviteeName != "" {
		greeting = fmt.Sprintf("您好，%s", inviteeName)
	}

	acceptURL := fmt.Sprintf("%s/%s", baseURL, token)

	plain := fmt.Sprintf("%s：\n\n%s 邀请您以 %s 身份加入。\n", greeting, clubName, role)
	if customMessage != "" {
		plain += fmt.Sprintf("\n留言：%s\n", customMessage)
	}
	plain += fmt.Sprintf("\n点击以下链接接受邀请：\n%s\n\n如非本人操作请忽略本邮件。\n", acceptURL)

	htmlBody := fmt.Sprintf(
		"<p>%s：</p><p><strong>%s</strong> 邀请您以 <strong>%s</strong> 身份加入。</p>",
		html.EscapeString(greeting), html.EscapeString(clubName), html.EscapeString(role))
	if customMessage != "" {
		htmlBody += fmt.Sprintf("<p>留言：%s</p>", html.EscapeString(customMessage))
	}
	htmlBody += fmt.Sprintf(
		`<p><a href="%s">接受邀请</a></p><p>如非本人操作请忽略本邮件。</p>`,
		acceptURL)

	return &Message{
		Subject:   fmt.Sprintf("%s 邀请您加入", clubName),
		PlainBody: plain,
		HTMLBody:  htmlBody,
	}
}
