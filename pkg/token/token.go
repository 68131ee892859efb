package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// 令牌随机字节数，24字节（192位）经base64url编码后为32字符
const tokenBytes = 24

// Generate 生成邀请令牌
// 使用加密安全随机源，URL安全字符集，无类型或长度前缀
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// 随机源耗尽属于不可恢复错误，由调用方决定是否终止
		return "", fmt.Errorf("生成邀请令牌失败: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
