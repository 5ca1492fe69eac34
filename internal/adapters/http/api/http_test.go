package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/recsync/internal/adapters/http/api"
	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/repository"
	service "github.com/okian/recsync/internal/app"
	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/internal/modelstub"
)

type mockDeps struct {
	users     map[string]model.User
	recs      []model.Recommendation
	recErr    error
	topicsErr error
	gotTopics []model.TopicID
	gotPrefs  model.Preferences
	topics    []model.Topic
	feedback  []model.Feedback
	fbAcks    []service.FeedbackAck
	fbErr     error
	events    []model.Interaction
}

func newMockDeps() *mockDeps {
	return &mockDeps{users: make(map[string]model.User)}
}

func (m *mockDeps) GetStats() map[string]any { return map[string]any{"started": true} }

func (m *mockDeps) CreateUser(_ context.Context, id string, answers map[string]any) (model.User, error) {
	if err := service.ValidateUserID(id); err != nil {
		return model.User{}, err
	}
	if _, ok := m.users[id]; ok {
		return model.User{}, repository.ErrAlreadyExists
	}
	u := model.User{UserID: id, FeedbackLastUsed: 1000, RegistrationDate: 1000, Answers: answers}
	m.users[id] = u
	return u, nil
}

func (m *mockDeps) GetUser(_ context.Context, id string) (model.UserProfile, error) {
	u, ok := m.users[id]
	if !ok {
		return model.UserProfile{}, repository.ErrNotFound
	}
	return model.UserProfile{User: u, Pending: 2}, nil
}

func (m *mockDeps) UpdateProfile(_ context.Context, id string, prefs model.Preferences) (model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	m.gotPrefs = prefs
	u.Preferences = &prefs
	m.users[id] = u
	return u, nil
}

func (m *mockDeps) ListTopics(context.Context) ([]model.Topic, error) { return m.topics, nil }

func (m *mockDeps) RecordInteractions(_ context.Context, items []model.Interaction) ([]model.Interaction, error) {
	for _, in := range items {
		if in.Type == "" {
			return nil, service.ErrInvalidInteraction
		}
	}
	m.events = append(m.events, items...)
	return items, nil
}

func (m *mockDeps) InitializeTopics(_ context.Context, id string, topics []model.TopicID) error {
	m.gotTopics = topics
	if _, ok := m.users[id]; !ok {
		return repository.ErrNotFound
	}
	return m.topicsErr
}

func (m *mockDeps) GetRecommendations(_ context.Context, id string) ([]model.Recommendation, error) {
	if _, ok := m.users[id]; !ok {
		return nil, repository.ErrNotFound
	}
	return m.recs, m.recErr
}

func (m *mockDeps) RecordFeedback(_ context.Context, items []model.Feedback) ([]service.FeedbackAck, error) {
	if m.fbErr != nil {
		return m.fbAcks, m.fbErr
	}
	m.feedback = append(m.feedback, items...)
	acks := make([]service.FeedbackAck, len(items))
	for i, fb := range items {
		acks[i] = service.FeedbackAck{ID: fb.ID, Status: service.AckAccepted}
	}
	return acks, nil
}

func newHandler(deps api.Dependencies) http.Handler {
	mux := http.NewServeMux()
	api.NewServer(deps, nil).Register(context.Background(), mux)
	return api.CORS(mux)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorCode(w *httptest.ResponseRecorder) string {
	var e struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	return e.Code
}

func TestUserRoutes(t *testing.T) {
	Convey("Given the API over mock dependencies", t, func() {
		deps := newMockDeps()
		h := newHandler(deps)

		Convey("When signing up a valid user", func() {
			w := do(h, "POST", "/users/register", `{"userId":"alice","answers":{"q1":"a"}}`)

			Convey("Then the user is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var u model.User
				So(json.Unmarshal(w.Body.Bytes(), &u), ShouldBeNil)
				So(u.UserID, ShouldEqual, "alice")
				So(u.Answers["q1"], ShouldEqual, "a")
			})

			Convey("And signing up again conflicts", func() {
				w := do(h, "POST", "/users/register", `{"userId":"alice"}`)
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(errorCode(w), ShouldEqual, "already_exists")
			})

			Convey("And login finds the user", func() {
				w := do(h, "POST", "/users/login", `{"userId":"alice"}`)
				So(w.Code, ShouldEqual, http.StatusOK)
			})

			Convey("And the profile includes pending feedback", func() {
				w := do(h, "GET", "/users/alice", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				var p model.UserProfile
				So(json.Unmarshal(w.Body.Bytes(), &p), ShouldBeNil)
				So(p.UserID, ShouldEqual, "alice")
				So(p.Pending, ShouldEqual, 2)
			})
		})

		Convey("When the user id is invalid", func() {
			So(do(h, "POST", "/users/register", `{"userId":"not valid!"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, "POST", "/users/register", `{"userId":`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, "POST", "/users/register", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When logging in as an unknown user", func() {
			So(do(h, "POST", "/users/login", `{"userId":"ghost"}`).Code, ShouldEqual, http.StatusNotFound)
			So(do(h, "POST", "/users/login", `{}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, "GET", "/users/ghost", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestTopicAndRecommendationRoutes(t *testing.T) {
	Convey("Given a registered user", t, func() {
		deps := newMockDeps()
		deps.users["alice"] = model.User{UserID: "alice"}
		h := newHandler(deps)

		Convey("When posting topics", func() {
			w := do(h, "POST", "/topics/alice", `["t1","t2"]`)

			Convey("Then they reach the service", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.gotTopics, ShouldResemble, []model.TopicID{"t1", "t2"})
			})
		})

		Convey("When posting numeric topic ids", func() {
			w := do(h, "POST", "/topics/alice", `[3, 14, "jazz"]`)

			Convey("Then they are accepted and echoed in their original form", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.gotTopics, ShouldResemble, []model.TopicID{"3", "14", "jazz"})
				So(w.Body.String(), ShouldContainSubstring, `"topics":[3,14,"jazz"]`)
			})
		})

		Convey("When a topic id is neither a string nor an integer", func() {
			So(do(h, "POST", "/topics/alice", `[1.5]`).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When listing the catalog", func() {
			deps.topics = []model.Topic{{ID: "2", Description: "cooking"}, {ID: "news", Description: "news"}}
			w := do(h, "GET", "/topics", "")

			Convey("Then the topics are returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var topics []model.Topic
				So(json.Unmarshal(w.Body.Bytes(), &topics), ShouldBeNil)
				So(len(topics), ShouldEqual, 2)
				So(topics[0].ID, ShouldEqual, model.TopicID("2"))
				So(w.Body.String(), ShouldContainSubstring, `"id":2`)
			})
		})

		Convey("When the catalog is empty", func() {
			w := do(h, "GET", "/topics", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("When updating preferences", func() {
			w := do(h, "POST", "/users/alice", `{"exploit_coeff":0.6,"n_recs_per_model":5,"topic_preferences":[{"id":7,"score":0.9}]}`)

			Convey("Then the service receives them and the user is returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(deps.gotPrefs.ExploitCoeff, ShouldEqual, 0.6)
				So(deps.gotPrefs.NRecsPerModel, ShouldEqual, 5)
				So(deps.gotPrefs.Topics[0].ID, ShouldEqual, model.TopicID("7"))
			})
		})

		Convey("When updating an unknown user", func() {
			So(do(h, "POST", "/users/ghost", `{"exploit_coeff":0.5}`).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the model refuses the topics", func() {
			deps.topicsErr = &modelclient.RemoteError{Op: "register", StatusCode: 422}
			w := do(h, "POST", "/topics/alice", `["t1"]`)

			Convey("Then the API answers 502", func() {
				So(w.Code, ShouldEqual, http.StatusBadGateway)
				So(errorCode(w), ShouldEqual, "model_unavailable")
			})
		})

		Convey("When the topics body is not an array", func() {
			So(do(h, "POST", "/topics/alice", `{"t":1}`).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When asking for recommendations", func() {
			deps.recs = []model.Recommendation{
				{VideoID: "v2", Explanation: "e2", Video: &model.Video{VideoID: "v2", Title: "two"}, Found: true},
				{VideoID: "v1", Explanation: "e1"},
			}
			w := do(h, "GET", "/videos/recommendations?userId=alice", "")

			Convey("Then the list keeps its order", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var recs []model.Recommendation
				So(json.Unmarshal(w.Body.Bytes(), &recs), ShouldBeNil)
				So(len(recs), ShouldEqual, 2)
				So(recs[0].VideoID, ShouldEqual, "v2")
				So(recs[1].Video, ShouldBeNil)
			})
		})

		Convey("When the recommendation request is malformed or fails", func() {
			So(do(h, "GET", "/videos/recommendations", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(h, "GET", "/videos/recommendations?userId=ghost", "").Code, ShouldEqual, http.StatusNotFound)

			deps.recErr = &modelclient.TransportError{Op: "recommend", Err: errors.New("refused")}
			So(do(h, "GET", "/videos/recommendations?userId=alice", "").Code, ShouldEqual, http.StatusBadGateway)

			deps.recErr = errors.New("disk on fire")
			So(do(h, "GET", "/videos/recommendations?userId=alice", "").Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestFeedbackRoute(t *testing.T) {
	Convey("Given the feedback route", t, func() {
		deps := newMockDeps()
		h := newHandler(deps)

		Convey("When posting an array", func() {
			w := do(h, "POST", "/feedback", `[{"id":"a","userId":"u","videoId":"v"},{"id":"b","userId":"u","videoId":"w"}]`)

			Convey("Then each item is acknowledged", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var acks []service.FeedbackAck
				So(json.Unmarshal(w.Body.Bytes(), &acks), ShouldBeNil)
				So(len(acks), ShouldEqual, 2)
				So(acks[1].ID, ShouldEqual, "b")
			})
		})

		Convey("When posting a single object", func() {
			w := do(h, "POST", "/feedback", `{"id":"solo","userId":"u","videoId":"v","rating":3}`)

			Convey("Then it is treated as a batch of one", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(len(deps.feedback), ShouldEqual, 1)
				So(deps.feedback[0].Rating, ShouldEqual, 3)
			})
		})

		Convey("When the service rejects the batch", func() {
			deps.fbErr = service.ErrInvalidFeedback
			So(do(h, "POST", "/feedback", `[{"userId":"u"}]`).Code, ShouldEqual, http.StatusBadRequest)
			deps.fbErr = service.ErrNotStarted
			So(do(h, "POST", "/feedback", `[{"userId":"u"}]`).Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("When the body is garbage", func() {
			So(do(h, "POST", "/feedback", `[{]`).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When part of the batch could not be stored", func() {
			deps.fbErr = errors.New("1 of 2 feedback items not stored: disk full")
			deps.fbAcks = []service.FeedbackAck{
				{ID: "a", Status: service.AckAccepted, Timestamp: 10},
				{ID: "b", Status: service.AckFailed, Error: "disk full"},
			}
			w := do(h, "POST", "/feedback", `[{"id":"a","userId":"u","videoId":"v"},{"id":"b","userId":"u","videoId":"w"}]`)

			Convey("Then the API answers 207 with every ack", func() {
				So(w.Code, ShouldEqual, http.StatusMultiStatus)
				var acks []service.FeedbackAck
				So(json.Unmarshal(w.Body.Bytes(), &acks), ShouldBeNil)
				So(len(acks), ShouldEqual, 2)
				So(acks[0].Status, ShouldEqual, service.AckAccepted)
				So(acks[1].Status, ShouldEqual, service.AckFailed)
				So(acks[1].Error, ShouldEqual, "disk full")
			})
		})

		Convey("When no item of the batch could be stored", func() {
			deps.fbErr = errors.New("1 of 1 feedback items not stored: disk full")
			deps.fbAcks = []service.FeedbackAck{{ID: "a", Status: service.AckFailed, Error: "disk full"}}
			So(do(h, "POST", "/feedback", `[{"id":"a","userId":"u","videoId":"v"}]`).Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestInteractionsRoute(t *testing.T) {
	Convey("Given the interactions route", t, func() {
		deps := newMockDeps()
		h := newHandler(deps)

		Convey("When posting events", func() {
			w := do(h, "POST", "/interactions", `[{"userId":"u","type":"click","videoId":"v1"},{"userId":"u","type":"scroll","payload":{"depth":2}}]`)

			Convey("Then they are stored", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(len(deps.events), ShouldEqual, 2)
				So(deps.events[1].Payload["depth"], ShouldEqual, float64(2))
			})
		})

		Convey("When an event has no type", func() {
			So(do(h, "POST", "/interactions", `[{"userId":"u"}]`).Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestOperationalRoutes(t *testing.T) {
	Convey("Given the API", t, func() {
		h := newHandler(newMockDeps())

		Convey("Then /healthz serves Prometheus metrics", func() {
			w := do(h, "GET", "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then /stats serves JSON", func() {
			w := do(h, "GET", "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"started":true`)
		})

		Convey("Then CORS allows any origin", func() {
			w := do(h, "GET", "/stats", "")
			So(w.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "*")

			req := httptest.NewRequest("OPTIONS", "/feedback", http.NoBody)
			req.Header.Set("Origin", "http://example.com")
			req.Header.Set("Access-Control-Request-Method", "POST")
			pw := httptest.NewRecorder()
			h.ServeHTTP(pw, req)
			So(pw.Code, ShouldEqual, http.StatusNoContent)
			So(pw.Header().Get("Access-Control-Allow-Methods"), ShouldContainSubstring, "DELETE")
		})

		Convey("Then wrong methods are refused", func() {
			So(do(h, "GET", "/feedback", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestWrapKind(t *testing.T) {
	cause := errors.New("boom")
	err := api.WrapKind("api.op", api.ErrBadRequest, cause)
	if !errors.Is(err, api.ErrBadRequest) || !errors.Is(err, cause) {
		t.Fatalf("WrapKind lost a link: %v", err)
	}
	if got := err.Error(); got != "api.op: bad request: boom" {
		t.Errorf("unexpected message %q", got)
	}
	if !errors.Is(api.NewKind("api.op", api.ErrMissingUser), api.ErrMissingUser) {
		t.Error("NewKind should match its kind")
	}
	if api.Wrap("api.op", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestEndToEnd(t *testing.T) {
	Convey("Given the API over the real service and a model stub", t, func() {
		ctx := context.Background()
		stub := modelstub.New()
		modelSrv := httptest.NewServer(stub)
		defer modelSrv.Close()

		client, err := modelclient.New(modelSrv.URL, modelclient.WithTimeout(2*time.Second))
		So(err, ShouldBeNil)
		store := repository.NewMemoryStore()
		So(store.PutVideo(ctx, model.Video{VideoID: "vid-go", Title: "Go in practice"}), ShouldBeNil)

		svc := service.New(store, client, service.WithSyncThreshold(2))
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()
		h := newHandler(svc)

		Convey("When a user walks through sign-up, topics, feedback and recommendations", func() {
			So(do(h, "POST", "/users/register", `{"userId":"carol"}`).Code, ShouldEqual, http.StatusOK)
			So(do(h, "POST", "/topics/carol", `["go","rust"]`).Code, ShouldEqual, http.StatusOK)
			fb := do(h, "POST", "/feedback", `[{"userId":"carol","videoId":"vid-go","rating":5},{"userId":"carol","videoId":"vid-rust","rating":1}]`)
			So(fb.Code, ShouldEqual, http.StatusOK)
			rec := do(h, "GET", "/videos/recommendations?userId=carol", "")

			Convey("Then the model saw everything and the answer is enriched", func() {
				So(stub.Registered("carol"), ShouldBeTrue)
				So(len(stub.Folded("carol")), ShouldEqual, 2)

				So(rec.Code, ShouldEqual, http.StatusOK)
				var recs []model.Recommendation
				So(json.Unmarshal(rec.Body.Bytes(), &recs), ShouldBeNil)
				So(len(recs), ShouldEqual, 2)
				So(recs[0].Video.Title, ShouldEqual, "Go in practice")
				So(recs[1].Found, ShouldBeFalse)
			})
		})
	})
}
