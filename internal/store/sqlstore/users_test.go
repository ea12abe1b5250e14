package sqlstore

import (
	"errors"
	"testing"
	"time"

	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/store"
)

func TestCreateUser(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	err := testStore.CreateUser(&models.User{ID: "u1", Name: "Dr. Grey"})
	if err != nil {
		t.Errorf("Failed to create user: %v", err)
	}

	// Test duplicate user
	err = testStore.CreateUser(&models.User{ID: "u1", Name: "Dr. Grey"})
	if err == nil {
		t.Error("Expected error when creating duplicate user, got nil")
	}

	generated := &models.User{Name: "No ID"}
	if err := testStore.CreateUser(generated); err != nil || generated.ID == "" {
		t.Errorf("Expected generated id, got %q (%v)", generated.ID, err)
	}
}

func TestGetUserByID(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	seedUsers(t, "u1")

	user, err := testStore.GetUserByID("u1")
	if err != nil {
		t.Fatalf("Failed to get user: %v", err)
	}
	if user.Name != "User u1" || user.Role != "nurse" {
		t.Errorf("Unexpected user %+v", user)
	}

	_, err = testStore.GetUserByID("nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListUsers(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	seedUsers(t, "b", "a", "c")

	users, err := testStore.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 3 || users[0].ID != "a" {
		t.Errorf("Expected 3 users ordered by name, got %+v", users)
	}
}

func TestSetPresence(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	seedUsers(t, "u1")
	seen := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	if err := testStore.SetPresence("u1", true, seen); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	if err := testStore.SetPresence("u1", false, time.Time{}); err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	user, _ := testStore.GetUserByID("u1")
	if user.IsOnline {
		t.Error("Expected user offline")
	}
	if !user.LastSeen.Equal(seen) {
		t.Errorf("Expected last seen %v, got %v", seen, user.LastSeen)
	}

	if err := testStore.SetPresence("ghost", true, seen); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
