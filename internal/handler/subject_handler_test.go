package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/subject"
)

func testSubject(code string) *model.Subject {
	return &model.Subject{
		ID:           1,
		SubjectID:    code,
		StravaID:     42,
		Sex:          "F",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    1700000000,
	}
}

func TestSubjectHandler_List(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectService{
		listFn: func(ctx context.Context) ([]*model.Subject, error) {
			return []*model.Subject{testSubject("S001"), testSubject("S002")}, nil
		},
	})
	w := httptest.NewRecorder()

	h.List(w, httptest.NewRequest(http.MethodGet, "/api/subjects", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp subjectListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Subjects) != 2 || resp.Subjects[1].SubjectID != "S002" {
		t.Errorf("subjects = %+v", resp.Subjects)
	}
}

func TestSubjectHandler_List_EmptyIsArray(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectService{
		listFn: func(ctx context.Context) ([]*model.Subject, error) { return nil, nil },
	})
	w := httptest.NewRecorder()

	h.List(w, httptest.NewRequest(http.MethodGet, "/api/subjects", nil))

	if !strings.Contains(w.Body.String(), `"subjects":[]`) {
		t.Errorf("body = %s, want empty array", w.Body.String())
	}
}

func TestSubjectHandler_Get(t *testing.T) {
	h := NewSubjectHandler(&mockSubjectService{
		getFn: func(ctx context.Context, subjectID string) (*model.Subject, error) {
			if subjectID == "S001" {
				return testSubject(subjectID), nil
			}
			return nil, model.NewSubjectNotFoundError(subjectID)
		},
	})

	tests := []struct {
		code       string
		wantStatus int
	}{
		{"S001", http.StatusOK},
		{"S999", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/subject/"+tt.code, nil), "subject_id", tt.code)
			w := httptest.NewRecorder()

			h.Get(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSubjectHandler_Create(t *testing.T) {
	var got subject.CreateInput
	h := NewSubjectHandler(&mockSubjectService{
		createFn: func(ctx context.Context, in subject.CreateInput) (*model.Subject, error) {
			got = in
			return testSubject(in.SubjectID), nil
		},
	})
	body := `{"strava_id":42,"sex":"F","access_token":"at","refresh_token":"rt","expires_at":1700000000}`
	req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/subject/S001", strings.NewReader(body)), "subject_id", "S001")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	want := subject.CreateInput{SubjectID: "S001", StravaID: 42, Sex: "F", AccessToken: "at", RefreshToken: "rt", ExpiresAt: 1700000000}
	if got != want {
		t.Errorf("CreateInput = %+v, want %+v", got, want)
	}
}

func TestSubjectHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
	}{
		{"missing tokens", `{"strava_id":42}`, nil, http.StatusBadRequest},
		{"exists", `{"strava_id":42,"access_token":"a","refresh_token":"r","expires_at":1}`, model.NewSubjectExistsError("S001"), http.StatusConflict},
		{"invalid code", `{"strava_id":42,"access_token":"a","refresh_token":"r","expires_at":1}`, model.NewInvalidSubjectIDError("S001"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSubjectHandler(&mockSubjectService{
				createFn: func(ctx context.Context, in subject.CreateInput) (*model.Subject, error) {
					return nil, tt.createErr
				},
			})
			req := withURLParam(httptest.NewRequest(http.MethodPost, "/api/subject/S001", strings.NewReader(tt.body)), "subject_id", "S001")
			w := httptest.NewRecorder()

			h.Create(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSubjectHandler_Refresh(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"refreshed", nil, http.StatusCreated},
		{"upstream rejected", &model.UpstreamAuthError{StatusCode: 400, Err: errors.New("invalid_grant")}, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewSubjectHandler(&mockSubjectService{
				forceRefreshFn: func(ctx context.Context, subjectID string) (*model.Subject, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return testSubject(subjectID), nil
				},
			})
			req := withURLParam(httptest.NewRequest(http.MethodPut, "/api/subject/S001", nil), "subject_id", "S001")
			w := httptest.NewRecorder()

			h.Refresh(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSubjectHandler_Delete(t *testing.T) {
	var deleted string
	h := NewSubjectHandler(&mockSubjectService{
		deleteFn: func(ctx context.Context, subjectID string) error {
			deleted = subjectID
			return nil
		},
	})
	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/subject/S001", nil), "subject_id", "S001")
	w := httptest.NewRecorder()

	h.Delete(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if deleted != "S001" {
		t.Errorf("deleted = %q", deleted)
	}
}
