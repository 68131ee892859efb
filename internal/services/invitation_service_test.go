package services

import (
	"errors"
	"testing"
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/models"
	apperrors "github.com/ajbcloud/FutsalCulture-sub001/pkg/errors"
)

func TestInvitationLifecycle(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "Player@Example.com",
		Name:  "小李",
		Role:  models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}
	if inv.Status != models.InvitationStatusPending {
		t.Fatalf("新邀请状态 = %s, 期望 pending", inv.Status)
	}
	if inv.Email != "player@example.com" {
		t.Fatalf("邮箱未规范化: %s", inv.Email)
	}
	if len(inv.Token) < 32 {
		t.Fatalf("令牌过短: %d", len(inv.Token))
	}

	got, err := env.invitations.Validate(inv.Token)
	if err != nil {
		t.Fatalf("校验令牌失败: %v", err)
	}
	if got.ID != inv.ID {
		t.Fatalf("校验返回了错误的邀请: %d", got.ID)
	}

	viewed, err := env.invitations.MarkViewed(inv.Token)
	if err != nil {
		t.Fatalf("标记已查看失败: %v", err)
	}
	if viewed.Status != models.InvitationStatusViewed || viewed.ViewedAt == nil {
		t.Fatalf("viewed状态未落地: %s", viewed.Status)
	}

	var boundEmail string
	accepted, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "李明"}, func(inv *models.Invitation, p *AcceptProfile) error {
		boundEmail = inv.Email
		return nil
	})
	if err != nil {
		t.Fatalf("接受邀请失败: %v", err)
	}
	if accepted.Status != models.InvitationStatusAccepted || accepted.AcceptedAt == nil {
		t.Fatalf("accepted状态未落地: %s", accepted.Status)
	}
	if boundEmail != "player@example.com" {
		t.Fatalf("绑定回调未执行: %q", boundEmail)
	}

	// 事件轨迹：viewed、accepted各一条
	events, err := env.events.ListByInvitation(inv.ID)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("事件数 = %d, 期望 2", len(events))
	}
	if events[0].EventType != models.EventTypeViewed || events[1].EventType != models.EventTypeAccepted {
		t.Fatalf("事件顺序错误: %s, %s", events[0].EventType, events[1].EventType)
	}
}

func TestAcceptSkipsViewed(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "direct@example.com",
		Role:  models.RoleCoach,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	// viewed可以跳过，pending直接accept
	accepted, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "教练"}, nil)
	if err != nil {
		t.Fatalf("直接接受失败: %v", err)
	}
	if accepted.Status != models.InvitationStatusAccepted {
		t.Fatalf("状态 = %s, 期望 accepted", accepted.Status)
	}
}

func TestAcceptTwice(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "twice@example.com",
		Role:  models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	if _, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "甲"}, nil); err != nil {
		t.Fatalf("首次接受失败: %v", err)
	}

	_, err = env.invitations.Accept(inv.Token, &AcceptProfile{Name: "乙"}, nil)
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Kind != apperrors.KindAlreadyFinalized {
		t.Fatalf("二次接受错误 = %v, 期望 AlreadyFinalized", err)
	}
	if appErr.State != models.InvitationStatusAccepted {
		t.Fatalf("错误携带状态 = %s, 期望 accepted", appErr.State)
	}
}

func TestMarkViewedIdempotent(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "viewer@example.com",
		Role:  models.RoleParent,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	first, err := env.invitations.MarkViewed(inv.Token)
	if err != nil {
		t.Fatalf("首次标记失败: %v", err)
	}
	second, err := env.invitations.MarkViewed(inv.Token)
	if err != nil {
		t.Fatalf("重复标记应幂等: %v", err)
	}
	if second.Status != models.InvitationStatusViewed {
		t.Fatalf("状态 = %s, 期望 viewed", second.Status)
	}
	_ = first

	// 重复标记不追加事件
	events, err := env.events.ListByInvitation(inv.ID)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("viewed事件数 = %d, 期望 1", len(events))
	}
}

func TestLazyExpiry(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "late@example.com",
		Role:  models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	// 把过期时间拨到过去
	past := time.Now().Add(-time.Hour)
	if err := env.invStore.UpdateFields(inv.ID, map[string]interface{}{"expires_at": past}); err != nil {
		t.Fatalf("修改过期时间失败: %v", err)
	}

	// 首次访问触发惰性过期
	_, err = env.invitations.Validate(inv.Token)
	if !apperrors.IsKind(err, apperrors.KindExpired) {
		t.Fatalf("校验错误 = %v, 期望 Expired", err)
	}

	stored, err := env.invitations.GetByID(inv.ID)
	if err != nil {
		t.Fatalf("查询邀请失败: %v", err)
	}
	if stored.Status != models.InvitationStatusExpired {
		t.Fatalf("状态 = %s, 期望 expired", stored.Status)
	}

	// 再次访问仍为Expired，但不重复记录事件
	if _, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "迟到"}, nil); !apperrors.IsKind(err, apperrors.KindExpired) {
		t.Fatalf("过期后接受错误 = %v, 期望 Expired", err)
	}

	events, err := env.events.ListByInvitation(inv.ID)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventTypeExpired {
		t.Fatalf("expired事件应恰好一条, 实际 %d", len(events))
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "cancel@example.com",
		Role:  models.RoleStaff,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	cancelled, err := env.invitations.Cancel(inv.ID, 10)
	if err != nil {
		t.Fatalf("取消邀请失败: %v", err)
	}
	if cancelled.Status != models.InvitationStatusCancelled {
		t.Fatalf("状态 = %s, 期望 cancelled", cancelled.Status)
	}

	// 取消后的令牌不可再接受
	_, err = env.invitations.Accept(inv.Token, &AcceptProfile{Name: "某人"}, nil)
	appErr, ok := apperrors.AsAppError(err)
	if !ok || appErr.Kind != apperrors.KindAlreadyFinalized || appErr.State != models.InvitationStatusCancelled {
		t.Fatalf("取消后接受错误 = %v", err)
	}

	// 终态不可重复取消
	if _, err := env.invitations.Cancel(inv.ID, 10); !apperrors.IsKind(err, apperrors.KindAlreadyFinalized) {
		t.Fatalf("重复取消错误 = %v, 期望 AlreadyFinalized", err)
	}
}

func TestUpdateStatusGuard(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "guard@example.com",
		Role:  models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	if _, err := env.invitations.Cancel(inv.ID, 10); err != nil {
		t.Fatalf("取消邀请失败: %v", err)
	}

	// 终态行不在from集合内，守卫更新不生效
	applied, err := env.invStore.UpdateStatus(inv.ID,
		[]string{models.InvitationStatusPending}, models.InvitationStatusSent, nil)
	if err != nil {
		t.Fatalf("守卫更新出错: %v", err)
	}
	if applied {
		t.Fatal("对终态邀请的流转不应生效")
	}

	stored, err := env.invitations.GetByID(inv.ID)
	if err != nil {
		t.Fatalf("查询邀请失败: %v", err)
	}
	if stored.Status != models.InvitationStatusCancelled {
		t.Fatalf("终态被覆写: cancelled → %s", stored.Status)
	}
}

func TestAcceptBindFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email: "bindfail@example.com",
		Role:  models.RolePlayer,
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	bindErr := errors.New("账号创建失败")
	_, err = env.invitations.Accept(inv.Token, &AcceptProfile{Name: "某人"}, func(inv *models.Invitation, p *AcceptProfile) error {
		return bindErr
	})
	if !errors.Is(err, bindErr) {
		t.Fatalf("错误 = %v, 期望绑定错误透传", err)
	}

	// 绑定失败后状态回滚，邀请可重新接受
	stored, err := env.invitations.GetByID(inv.ID)
	if err != nil {
		t.Fatalf("查询邀请失败: %v", err)
	}
	if stored.Status != models.InvitationStatusPending {
		t.Fatalf("绑定失败后状态 = %s, 期望回滚到 pending", stored.Status)
	}
	if stored.AcceptedAt != nil {
		t.Fatal("绑定失败后accepted_at应清空")
	}

	accepted, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "某人"}, nil)
	if err != nil {
		t.Fatalf("重新接受失败: %v", err)
	}
	if accepted.Status != models.InvitationStatusAccepted {
		t.Fatalf("重新接受后状态 = %s", accepted.Status)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.invitations.Validate("no-such-token")
	if !apperrors.IsKind(err, apperrors.KindNotFound) {
		t.Fatalf("错误 = %v, 期望 NotFound", err)
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		req  *CreateInvitationRequest
	}{
		{"非法角色", &CreateInvitationRequest{Email: "a@b.com", Role: "goalkeeper"}},
		{"非法渠道", &CreateInvitationRequest{Email: "a@b.com", Role: models.RolePlayer, Channel: "pigeon"}},
		{"空邮箱", &CreateInvitationRequest{Email: "   ", Role: models.RolePlayer}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.invitations.Create(1, 10, tc.req); !apperrors.IsKind(err, apperrors.KindValidation) {
				t.Fatalf("错误 = %v, 期望 Validation", err)
			}
		})
	}
}

func TestUpdateMetadata(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.invitations.Create(1, 10, &CreateInvitationRequest{
		Email:    "meta@example.com",
		Role:     models.RolePlayer,
		Metadata: map[string]interface{}{"team": "U12", "kit": "home"},
	})
	if err != nil {
		t.Fatalf("创建邀请失败: %v", err)
	}

	msg := "欢迎加入"
	updated, err := env.invitations.UpdateMetadata(inv.ID, map[string]interface{}{"kit": "away", "locker": 7}, &msg)
	if err != nil {
		t.Fatalf("更新元数据失败: %v", err)
	}

	// 合并语义：未触及的键保留
	if updated.Metadata["team"] != "U12" || updated.Metadata["kit"] != "away" {
		t.Fatalf("元数据合并错误: %v", updated.Metadata)
	}
	if updated.Message != msg {
		t.Fatalf("留言未更新: %s", updated.Message)
	}

	// 终态后禁止修改
	if _, err := env.invitations.Accept(inv.Token, &AcceptProfile{Name: "某人"}, nil); err != nil {
		t.Fatalf("接受失败: %v", err)
	}
	if _, err := env.invitations.UpdateMetadata(inv.ID, map[string]interface{}{"x": 1}, nil); !apperrors.IsKind(err, apperrors.KindAlreadyFinalized) {
		t.Fatalf("终态更新错误 = %v, 期望 AlreadyFinalized", err)
	}
}
