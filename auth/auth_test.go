package auth

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"
)

func setupService(t *testing.T) *Service {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := InitializeSchema(db); err != nil {
		t.Fatalf("InitializeSchema error = %v", err)
	}
	return NewService(db, "test-secret")
}

func TestRegisterAndLogin(t *testing.T) {
	s := setupService(t)

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatalf("Register error = %v", err)
	}

	token, err := s.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	claims, err := s.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken error = %v", err)
	}
	if claims.Username != "alice" {
		t.Errorf("claims.Username = %q; want %q", claims.Username, "alice")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s := setupService(t)

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := s.Register("alice", "other"); err != ErrUserExists {
		t.Errorf("Register duplicate error = %v; want ErrUserExists", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	s := setupService(t)

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if _, err := s.Login("alice", "wrong"); err != ErrInvalidCreds {
		t.Errorf("Login wrong password error = %v; want ErrInvalidCreds", err)
	}
	if _, err := s.Login("nobody", "hunter2"); err != ErrInvalidCreds {
		t.Errorf("Login unknown user error = %v; want ErrInvalidCreds", err)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	s := setupService(t)

	if err := s.Register("alice", "hunter2"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	token, err := s.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}

	other := NewService(nil, "different-secret")
	if _, err := other.VerifyToken(token); err == nil {
		t.Error("VerifyToken with wrong secret should fail")
	}
}

func TestCreateDefaultUser(t *testing.T) {
	s := setupService(t)

	if err := s.CreateDefaultUser(); err != nil {
		t.Fatalf("CreateDefaultUser error = %v", err)
	}
	if _, err := s.Login("admin", "admin"); err != nil {
		t.Errorf("Login as default admin error = %v", err)
	}

	// Second call is a no-op once users exist
	if err := s.CreateDefaultUser(); err != nil {
		t.Fatalf("CreateDefaultUser second call error = %v", err)
	}
	users, err := s.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers error = %v", err)
	}
	if len(users) != 1 {
		t.Errorf("len(users) = %d; want 1", len(users))
	}
}

func TestDeleteUser(t *testing.T) {
	s := setupService(t)

	if err := s.Register("alice", "pw"); err != nil {
		t.Fatalf("Register error = %v", err)
	}

	// Last user cannot be deleted
	if err := s.DeleteUser("alice"); err == nil {
		t.Error("DeleteUser on last user should fail")
	}

	if err := s.Register("bob", "pw"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	if err := s.DeleteUser("alice"); err != nil {
		t.Errorf("DeleteUser error = %v", err)
	}
	if err := s.DeleteUser("ghost"); err != ErrUserNotFound {
		t.Errorf("DeleteUser unknown error = %v; want ErrUserNotFound", err)
	}
}

func TestRequireAuth(t *testing.T) {
	s := setupService(t)
	if err := s.Register("alice", "pw"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	token, err := s.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}

	handler := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{"open path without token", "/health", "", http.StatusOK},
		{"login path without token", "/auth/login", "", http.StatusOK},
		{"protected without token", "/models", "", http.StatusUnauthorized},
		{"protected with bad token", "/models", "Bearer garbage", http.StatusUnauthorized},
		{"protected with valid token", "/models", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRequireAuthCookie(t *testing.T) {
	s := setupService(t)
	if err := s.Register("alice", "pw"); err != nil {
		t.Fatalf("Register error = %v", err)
	}
	token, err := s.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}

	handler := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d; want %d", rec.Code, http.StatusOK)
	}
}
