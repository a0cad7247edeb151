//go:build integration

package rentwheel_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/auth"
)

// These tests run against a live server:
//
//	RENTWHEEL_BASE_URL_TEST=http://localhost:8080 RENTWHEEL_JWT_SECRET_TEST=... \
//	  go test -tags integration ./...

// helpers ---------------------------------------------------------------

func baseURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("RENTWHEEL_BASE_URL_TEST")
	if v == "" {
		t.Skip("RENTWHEEL_BASE_URL_TEST not set")
	}
	return v
}

func mint(t *testing.T, userID string) string {
	t.Helper()
	secret := os.Getenv("RENTWHEEL_JWT_SECRET_TEST")
	if secret == "" {
		t.Fatal("RENTWHEEL_JWT_SECRET_TEST environment variable is required")
	}
	token, _, err := auth.NewManager(secret).Sign(userID, "", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Full lifecycle
// =======================================================================

func TestIntegration_Chat_FullLifecycle(t *testing.T) {
	base := baseURL(t)
	ctx := context.Background()
	renterID, ownerID := uniqueID("renter"), uniqueID("owner")

	renterClient := rentwheel.NewClient(mint(t, renterID), rentwheel.WithBaseURL(base))
	ownerClient := rentwheel.NewClient(mint(t, ownerID), rentwheel.WithBaseURL(base))

	renterFeed := renterClient.RealtimeWS(&rentwheel.RealtimeConfig{AutoReconnect: true})
	if err := renterFeed.Connect(ctx); err != nil {
		t.Fatalf("renter connect: %v", err)
	}
	defer renterFeed.Disconnect()
	ownerFeed := ownerClient.RealtimeWS(&rentwheel.RealtimeConfig{AutoReconnect: true})
	if err := ownerFeed.Connect(ctx); err != nil {
		t.Fatalf("owner connect: %v", err)
	}
	defer ownerFeed.Disconnect()

	renter := rentwheel.NewChat(renterID, renterClient, renterFeed)
	defer renter.Close()
	owner := rentwheel.NewChat(ownerID, ownerClient, ownerFeed, rentwheel.WithDeletePropagation(true))
	defer owner.Close()

	var rs, ownerSession *rentwheel.Session
	var sent rentwheel.Message

	t.Run("Directory_Start", func(t *testing.T) {
		var err error
		rs, err = renter.Start(ctx, ownerID, rentwheel.Scope(uniqueID("veh")))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		again, err := renter.Directory().Resolve(ctx, renterID, ownerID, rs.Conversation().VehicleID)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if again.ID != rs.Conversation().ID {
			t.Fatalf("expected same conversation, got %s and %s", rs.Conversation().ID, again.ID)
		}
	})

	t.Run("Owner_Open", func(t *testing.T) {
		var err error
		ownerSession, err = owner.Open(ctx, rs.Conversation().ID)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := ownerFeed.Ping(ctx); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})

	t.Run("Send_Optimistic", func(t *testing.T) {
		out, err := rs.Send(ctx, "Is it available this weekend?")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if !rs.Store().Contains(out.LocalID()) {
			t.Fatal("provisional message not visible")
		}
		sent, err = out.Wait(ctx)
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		waitFor(t, "renter confirmation", func() bool { return rs.Store().Contains(sent.ID) && rs.Store().Len() == 1 })
	})

	t.Run("Owner_Receives", func(t *testing.T) {
		waitFor(t, "owner delivery", func() bool { return ownerSession.Store().Contains(sent.ID) })
		if ownerSession.Store().Len() != 1 {
			t.Fatalf("expected 1 message, got %d", ownerSession.Store().Len())
		}
	})

	t.Run("Unread_And_Inbox", func(t *testing.T) {
		list, err := owner.Inbox(ctx, rentwheel.RoleOwner, 5)
		if err != nil {
			t.Fatalf("inbox: %v", err)
		}
		if len(list) == 0 || list[0].Conversation.ID != rs.Conversation().ID {
			t.Fatalf("expected conversation first in inbox, got %+v", list)
		}
		if _, err := owner.UnreadCount(ctx, rentwheel.UnreadQuery{OwnerID: ownerID}); err != nil {
			t.Fatalf("unread: %v", err)
		}
	})

	t.Run("Delete_Authorization", func(t *testing.T) {
		m, _ := ownerSession.Store().Get(sent.ID)
		if err := ownerSession.Delete(ctx, m); !errors.Is(err, rentwheel.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if err := rs.Delete(ctx, sent); err != nil {
			t.Fatalf("delete: %v", err)
		}
		waitFor(t, "owner deletion", func() bool { return !ownerSession.Store().Contains(sent.ID) })
	})
}
