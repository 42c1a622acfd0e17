package listener

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// PendingMarker 文件名保留标记
// 带此标记的文件尚未获得永久标识（事件号/事件编号），
// 中转进程记录但绝不转发
const PendingMarker = "__PENDING"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Mailbox 备份信箱写入端
// 监听器是唯一写入者；中转进程只读不删
type Mailbox struct {
	root string
}

// NewMailbox 创建信箱写入端
func NewMailbox(root string) *Mailbox {
	return &Mailbox{root: root}
}

// WritePending 以待定名落盘一份原始报文，返回完整路径
// 每租户一个子目录
func (m *Mailbox) WritePending(tenantID string, payload []byte, receivedAt time.Time) (string, error) {
	dir := filepath.Join(m.root, sanitizeName(tenantID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mailbox dir: %w", err)
	}
	name := fmt.Sprintf("%d%s.txt", receivedAt.UnixNano(), PendingMarker)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write mailbox file: %w", err)
	}
	return path, nil
}

// FinalName 报文获得永久标识后的文件名
// 纳秒时间戳保证重复投递的同事件报文不重名
func FinalName(incidentNumber, eventNumber string, receivedAt time.Time) string {
	return fmt.Sprintf("%s_%s_%d.txt",
		sanitizeName(incidentNumber), sanitizeName(eventNumber), receivedAt.UnixNano())
}

// UnparsedName 无法解析的报文也要镜像，换成不带待定标记的名字
func UnparsedName(receivedAt time.Time) string {
	return fmt.Sprintf("unparsed_%d.txt", receivedAt.UnixNano())
}

// FailedName 处理失败（如存储不可用）的报文镜像名
// 同样不带待定标记：落库失败的报文恰恰最需要被中转到镜像端
func FailedName(receivedAt time.Time) string {
	return fmt.Sprintf("failed_%d.txt", receivedAt.UnixNano())
}

// Finalize 将待定文件改名为永久名（同目录内 rename，不改动内容）
func (m *Mailbox) Finalize(pendingPath, finalName string) error {
	target := filepath.Join(filepath.Dir(pendingPath), finalName)
	if err := os.Rename(pendingPath, target); err != nil {
		return fmt.Errorf("failed to finalize mailbox file: %w", err)
	}
	return nil
}

func sanitizeName(s string) string {
	return unsafeNameChars.ReplaceAllString(s, "-")
}
