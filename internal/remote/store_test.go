package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/fieldops/internal/inbox"
	"github.com/nao1215/fieldops/internal/notification"
	"github.com/nao1215/fieldops/internal/recordstore"
	"github.com/nao1215/fieldops/internal/remote"
	"github.com/nao1215/fieldops/internal/session"
	"github.com/nao1215/fieldops/pkg/middleware"
)

const (
	testSecret = "test-secret"
	testTenant = "tenant-1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testEnv は通知サービスとそのRecord Storeを束ねたテスト環境。
type testEnv struct {
	server   *notification.Server
	records  *recordstore.SQLiteStore
	url      string
	requests atomic.Int64
}

// setupTestEnv はインメモリSQLiteの通知サービスをhttptestで起動する。
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	records, err := recordstore.Open(t.Context(), ":memory:", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	env := &testEnv{
		server:  notification.NewServer(notification.Config{JWTSecret: testSecret}, records, zap.NewNop()),
		records: records,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.requests.Add(1)
		env.server.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = env.server.Shutdown(context.Background()) })
	env.url = ts.URL
	return env
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := middleware.GenerateJWT(testSecret, userID, "technician", testTenant, time.Hour)
	if err != nil {
		t.Fatalf("JWTの発行に失敗: %v", err)
	}
	return tok
}

func strPtr(s string) *string { return &s }

// seed は個人宛て2件と、u1が受信対象となるブロードキャスト2件を作成する。
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, n := range []inbox.Notification{
		{ID: "d1", RecipientUserID: strPtr("u1")},
		{ID: "d2", RecipientUserID: strPtr("u1")},
		{ID: "b1", TargetRole: strPtr(inbox.RoleAll)},
		{ID: "b2", TargetRole: strPtr("technician")},
	} {
		n.TenantID = testTenant
		n.Title = "タイトル"
		n.Message = "メッセージ"
		n.Category = inbox.CategoryVisit
		n.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := e.records.InsertNotification(t.Context(), n); err != nil {
			t.Fatalf("テスト用通知の作成に失敗: %v", err)
		}
	}
}

// eventually は条件が満たされるまで待つ。
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("タイムアウト: %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("通知一覧と既読化をAPI越しに行える", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		env.seed(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())
		at := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

		list, err := store.ListNotifications(t.Context(), "", "", "", 0)
		if err != nil {
			t.Fatalf("通知一覧の取得に失敗: %v", err)
		}
		if len(list) != 4 || list[0].ID != "b2" {
			t.Fatalf("通知一覧: got %d件", len(list))
		}

		if err := store.MarkDirectRead(t.Context(), []string{"d1"}, at); err != nil {
			t.Fatalf("個人宛て既読化に失敗: %v", err)
		}
		if err := store.InsertReadStatus(t.Context(), []inbox.ReadStatusEntry{
			{NotificationID: "b1", UserID: "u1", ReadAt: at},
		}); err != nil {
			t.Fatalf("既読台帳の追加に失敗: %v", err)
		}

		read, err := store.ListReadStatus(t.Context(), "u1", []string{"b1", "b2"})
		if err != nil {
			t.Fatalf("既読台帳の取得に失敗: %v", err)
		}
		if len(read) != 1 || !read["b1"].Equal(at) {
			t.Errorf("既読台帳: got %v", read)
		}
		n, err := store.CountUnreadDirect(t.Context(), "u1")
		if err != nil || n != 1 {
			t.Errorf("個人宛て未読件数: got %d, %v", n, err)
		}
		ids, err := store.ListBroadcastIDs(t.Context(), "", "")
		if err != nil || len(ids) != 2 {
			t.Errorf("ブロードキャストID: got %v, %v", ids, err)
		}
	})

	t.Run("空のID集合ではリクエストを送らない", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())

		read, err := store.ListReadStatus(t.Context(), "u1", nil)
		if err != nil || len(read) != 0 {
			t.Errorf("ListReadStatus: got %v, %v", read, err)
		}
		if err := store.MarkDirectRead(t.Context(), nil, time.Now()); err != nil {
			t.Errorf("MarkDirectRead: %v", err)
		}
		if err := store.InsertReadStatus(t.Context(), nil); err != nil {
			t.Errorf("InsertReadStatus: %v", err)
		}
		if got := env.requests.Load(); got != 0 {
			t.Errorf("リクエスト数: got %d, want 0", got)
		}
	})

	t.Run("未読件数はサーバーの集計を1リクエストで取得する", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		env.seed(t)
		id := inbox.Identity{UserID: "u1", Role: "technician", TenantID: testTenant}
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())

		got, err := inbox.NewCounter(store, inbox.StaticSession(id)).Count(t.Context())
		if err != nil {
			t.Fatalf("未読件数の取得に失敗: %v", err)
		}
		if got != 4 {
			t.Errorf("未読件数: got %d, want 4", got)
		}
		if n := env.requests.Load(); n != 1 {
			t.Errorf("リクエスト数: got %d, want 1", n)
		}
	})

	t.Run("受信設定を更新できる", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())

		p, err := store.GetPreferences(t.Context(), "", "")
		if err != nil || p != nil {
			t.Fatalf("未作成の受信設定: got %v, %v", p, err)
		}
		p, err = store.UpsertPreferences(t.Context(), "", "", map[string]bool{inbox.PrefJobAssigned: false})
		if err != nil {
			t.Fatalf("受信設定の更新に失敗: %v", err)
		}
		if p.Enabled(inbox.PrefJobAssigned) || p.TenantID != testTenant {
			t.Errorf("受信設定: got %+v", p)
		}
	})

	t.Run("無効なトークンはエラーを返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, "invalid", zap.NewNop())

		if _, err := store.ListNotifications(t.Context(), "", "", "", 10); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

func TestSubscribeToInserts(t *testing.T) {
	t.Parallel()

	t.Run("受信対象の通知だけが届く", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())
		id := inbox.Identity{UserID: "u1", Role: "technician", TenantID: testTenant}

		got := make(chan inbox.Notification, 4)
		sub, err := store.SubscribeToInserts(t.Context(), id, func(n inbox.Notification) { got <- n })
		if err != nil {
			t.Fatalf("購読に失敗: %v", err)
		}
		t.Cleanup(func() { sub.Close() })
		eventually(t, "ストリームの接続", func() bool { return env.server.StreamClients() == 1 })

		for _, n := range []inbox.Notification{
			{ID: "other", RecipientUserID: strPtr("u2")},
			{ID: "mine", RecipientUserID: strPtr("u1")},
		} {
			n.TenantID = testTenant
			n.Title = "t"
			n.Message = "m"
			n.Category = inbox.CategoryJob
			if _, err := env.records.InsertNotification(t.Context(), n); err != nil {
				t.Fatalf("通知の作成に失敗: %v", err)
			}
		}

		select {
		case n := <-got:
			if n.ID != "mine" || n.IsRead {
				t.Errorf("受信した通知: %+v", n)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("通知が届かない")
		}
	})

	t.Run("サーバーが切断するとErrに通知される", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())

		sub, err := store.SubscribeToInserts(t.Context(), inbox.Identity{UserID: "u1", TenantID: testTenant}, func(inbox.Notification) {})
		if err != nil {
			t.Fatalf("購読に失敗: %v", err)
		}
		t.Cleanup(func() { sub.Close() })
		eventually(t, "ストリームの接続", func() bool { return env.server.StreamClients() == 1 })

		if err := env.server.Shutdown(t.Context()); err != nil {
			t.Fatalf("サーバーの停止に失敗: %v", err)
		}
		select {
		case err := <-sub.Err():
			if err == nil {
				t.Error("エラーが送られるべき")
			}
		case <-time.After(3 * time.Second):
			t.Fatal("Errに通知されない")
		}
	})

	t.Run("Closeした購読はErrに通知しない", func(t *testing.T) {
		t.Parallel()
		env := setupTestEnv(t)
		store := remote.NewStore(env.url, token(t, "u1"), zap.NewNop())

		sub, err := store.SubscribeToInserts(t.Context(), inbox.Identity{UserID: "u1", TenantID: testTenant}, func(inbox.Notification) {})
		if err != nil {
			t.Fatalf("購読に失敗: %v", err)
		}
		if err := sub.Close(); err != nil {
			t.Fatalf("Closeに失敗: %v", err)
		}
		_ = sub.Close()

		select {
		case err := <-sub.Err():
			t.Errorf("エラーが送られた: %v", err)
		case <-time.After(200 * time.Millisecond):
		}
	})
}

// TestSessionOverRemoteStore はセッションが通知サービス越しに未読件数と既読化を扱えることを検証する。
func TestSessionOverRemoteStore(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)
	env.seed(t)
	tok := token(t, "u1")

	sess, err := remote.NewTokenSession(tok)
	if err != nil {
		t.Fatalf("セッションの作成に失敗: %v", err)
	}
	id, _ := sess.Identity(t.Context())

	m := session.NewManager(remote.NewStore(env.url, tok, zap.NewNop()), zap.NewNop())
	t.Cleanup(m.Teardown)
	if err := m.Initialize(t.Context(), id); err != nil {
		t.Fatalf("初期化に失敗: %v", err)
	}

	if got := m.UnreadCount(); got != 4 {
		t.Fatalf("未読件数: got %d, want 4", got)
	}
	if !m.Subscribed() {
		t.Fatal("購読が開始されていない")
	}

	if err := m.MarkAsRead(t.Context(), "b1"); err != nil {
		t.Fatalf("既読化に失敗: %v", err)
	}
	if got := m.UnreadCount(); got != 3 {
		t.Errorf("未読件数: got %d, want 3", got)
	}
	read, err := env.records.ListReadStatus(t.Context(), "u1", []string{"b1"})
	if err != nil || len(read) != 1 {
		t.Errorf("既読台帳: got %v, %v", read, err)
	}

	eventually(t, "ストリームの接続", func() bool { return env.server.StreamClients() == 1 })
	if _, err := env.records.InsertNotification(t.Context(), inbox.Notification{
		ID:         "b3",
		TenantID:   testTenant,
		TargetRole: strPtr(inbox.RoleAll),
		Title:      "全体連絡",
		Message:    "明日は点検日です",
		Category:   inbox.CategorySystem,
	}); err != nil {
		t.Fatalf("通知の作成に失敗: %v", err)
	}
	eventually(t, "リアルタイム通知の反映", func() bool {
		ns := m.Notifications()
		return len(ns) == 5 && ns[0].ID == "b3"
	})
	if got := m.UnreadCount(); got != 4 {
		t.Errorf("未読件数: got %d, want 4", got)
	}

	if err := m.Refresh(t.Context()); err != nil {
		t.Fatalf("再取得に失敗: %v", err)
	}
	if got := m.UnreadCount(); got != 4 {
		t.Errorf("再取得後の未読件数: got %d, want 4", got)
	}
}

func TestNewTokenSession(t *testing.T) {
	t.Parallel()

	t.Run("クレームからユーザー情報を返す", func(t *testing.T) {
		t.Parallel()
		sess, err := remote.NewTokenSession(token(t, "u1"))
		if err != nil {
			t.Fatalf("セッションの作成に失敗: %v", err)
		}
		id, _ := sess.Identity(t.Context())
		want := inbox.Identity{UserID: "u1", Role: "technician", TenantID: testTenant}
		if id != want {
			t.Errorf("Identity: got %+v, want %+v", id, want)
		}
	})

	t.Run("不正なトークンはエラーを返す", func(t *testing.T) {
		t.Parallel()
		if _, err := remote.NewTokenSession("not-a-jwt"); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}
