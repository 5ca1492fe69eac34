package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/recsync/internal/adapters/modelclient"
	"github.com/okian/recsync/internal/adapters/repository"
	service "github.com/okian/recsync/internal/app"
	"github.com/okian/recsync/internal/domain/enrich"
	"github.com/okian/recsync/internal/domain/model"
)

var errModelDown = &modelclient.TransportError{Op: "test", Err: errors.New("connection refused")}

type mockModel struct {
	mu sync.Mutex

	registers    []string
	registerHook func(userID string)
	registerErr  error

	updates   int
	updateErr error

	recs     map[string][]model.RawRecommendation
	recErr   error
	recCalls int
	recGate  chan struct{}

	submits        [][]model.Feedback
	submitFailNext int
}

func newMockModel() *mockModel {
	return &mockModel{recs: make(map[string][]model.RawRecommendation)}
}

func (m *mockModel) Register(_ context.Context, userID string, _ []model.TopicID) error {
	m.mu.Lock()
	m.registers = append(m.registers, userID)
	hook, err := m.registerHook, m.registerErr
	m.mu.Unlock()
	if hook != nil {
		hook(userID)
	}
	return err
}

func (m *mockModel) Recommend(_ context.Context, userID string) ([]model.RawRecommendation, error) {
	m.mu.Lock()
	m.recCalls++
	gate := m.recGate
	recs, err := m.recs[userID], m.recErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return recs, err
}

func (m *mockModel) SubmitFeedback(_ context.Context, _ string, batch []model.Feedback, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitFailNext > 0 {
		m.submitFailNext--
		return errModelDown
	}
	m.submits = append(m.submits, append([]model.Feedback(nil), batch...))
	return nil
}

func (m *mockModel) UpdateModel(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	return m.updateErr
}

func (m *mockModel) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submits)
}

func (m *mockModel) registerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registers)
}

// flakyStore fails AppendFeedback for the listed video ids. When gate is set
// the first failing call waits on it before returning.
type flakyStore struct {
	*repository.MemoryStore

	mu      sync.Mutex
	failFor map[string]bool
	gate    chan struct{}
	entered chan struct{}
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) AppendFeedback(ctx context.Context, fb model.Feedback) (model.Feedback, error) {
	f.mu.Lock()
	fail := f.failFor[fb.VideoID]
	gate := f.gate
	if fail {
		delete(f.failFor, fb.VideoID)
		f.gate = nil
	}
	f.mu.Unlock()
	if !fail {
		return f.MemoryStore.AppendFeedback(ctx, fb)
	}
	if gate != nil {
		close(f.entered)
		<-gate
	}
	return model.Feedback{}, errDiskFull
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func newService(m *mockModel, opts ...service.Option) (*service.Service, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	svc := service.New(store, m, opts...)
	So(svc.Start(context.Background()), ShouldBeNil)
	return svc, store
}

func feedback(userID string, n int) []model.Feedback {
	out := make([]model.Feedback, n)
	for i := range out {
		out[i] = model.Feedback{UserID: userID, VideoID: fmt.Sprintf("v%d", i), Rating: 4}
	}
	return out
}

func TestCreateUser(t *testing.T) {
	Convey("Given a service with a fixed clock", t, func() {
		ctx := context.Background()
		svc, _ := newService(newMockModel(), service.WithClock(fixedClock(5000)))
		defer func() { _ = svc.Stop(ctx) }()

		Convey("When creating a user", func() {
			u, err := svc.CreateUser(ctx, "alice42", map[string]any{"age": "25-34"})

			Convey("Then the watermark and registration date start at now", func() {
				So(err, ShouldBeNil)
				So(u.FeedbackLastUsed, ShouldEqual, 5000)
				So(u.RegistrationDate, ShouldEqual, 5000)

				p, err := svc.GetUser(ctx, "alice42")
				So(err, ShouldBeNil)
				So(p.Pending, ShouldEqual, 0)
				So(p.Answers["age"], ShouldEqual, "25-34")
			})

			Convey("And creating it again fails with AlreadyExists", func() {
				_, err := svc.CreateUser(ctx, "alice42", nil)
				So(errors.Is(err, repository.ErrAlreadyExists), ShouldBeTrue)
			})
		})

		Convey("When the id is not alphanumeric", func() {
			for _, id := range []string{"", "al ice", "bob!", "x-y", "ümlaut"} {
				_, err := svc.CreateUser(ctx, id, nil)
				So(errors.Is(err, service.ErrInvalidUserID), ShouldBeTrue)
			}
		})

		Convey("When looking up an unknown user", func() {
			_, err := svc.GetUser(ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestRegisterUser(t *testing.T) {
	Convey("Given a model whose first registration hangs", t, func() {
		ctx := context.Background()
		m := newMockModel()
		release := make(chan struct{})
		var first sync.Once
		m.registerHook = func(string) {
			blocked := false
			first.Do(func() { blocked = true })
			if blocked {
				<-release
			}
		}
		svc, _ := newService(m)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("When the same user registers twice", func() {
			firstDone := make(chan error, 1)
			go func() { firstDone <- svc.RegisterUser(ctx, "alice", []model.TopicID{"t1"}) }()
			for m.registerCount() == 0 {
				time.Sleep(time.Millisecond)
			}
			secondErr := svc.RegisterUser(ctx, "alice", []model.TopicID{"t1"})
			countWhileFirstBlocked := m.registerCount()
			close(release)

			Convey("Then two Register calls are made and the second does not wait for the first", func() {
				So(secondErr, ShouldBeNil)
				So(countWhileFirstBlocked, ShouldEqual, 2)
				So(<-firstDone, ShouldBeNil)
			})
		})
	})

	Convey("Given a model that rejects registration", t, func() {
		ctx := context.Background()
		m := newMockModel()
		m.registerErr = &modelclient.RemoteError{Op: "register", StatusCode: 422, Message: "bad topics"}
		svc, _ := newService(m)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then the failure is surfaced as RemoteRejected", func() {
			err := svc.RegisterUser(ctx, "alice", []model.TopicID{"t1"})
			So(errors.Is(err, modelclient.ErrRemoteRejected), ShouldBeTrue)
		})
	})
}

func TestInitializeTopics(t *testing.T) {
	Convey("Given a signed-up user", t, func() {
		ctx := context.Background()
		m := newMockModel()

		Convey("When registration and the model update succeed", func() {
			svc, _ := newService(m)
			_, _ = svc.CreateUser(ctx, "alice", nil)
			err := svc.InitializeTopics(ctx, "alice", []model.TopicID{"t1", "t2"})

			Convey("Then both model calls are made", func() {
				So(err, ShouldBeNil)
				So(m.registers, ShouldResemble, []string{"alice"})
				So(m.updates, ShouldEqual, 1)
			})
		})

		Convey("When only the model update fails", func() {
			m.updateErr = errModelDown
			svc, _ := newService(m)
			_, _ = svc.CreateUser(ctx, "alice", nil)

			Convey("Then the call still succeeds", func() {
				So(svc.InitializeTopics(ctx, "alice", []model.TopicID{"t1"}), ShouldBeNil)
				So(m.updates, ShouldEqual, 1)
			})
		})

		Convey("When registration fails with rollback enabled", func() {
			m.registerErr = errModelDown
			svc, store := newService(m, service.WithRollbackOnRegisterFailure(true))
			_, _ = svc.CreateUser(ctx, "alice", nil)
			err := svc.InitializeTopics(ctx, "alice", []model.TopicID{"t1"})

			Convey("Then the error propagates and the local user is gone", func() {
				So(errors.Is(err, modelclient.ErrTransport), ShouldBeTrue)
				So(m.updates, ShouldEqual, 0)
				_, gerr := store.GetUser(ctx, "alice")
				So(errors.Is(gerr, repository.ErrNotFound), ShouldBeTrue)

				_, cerr := svc.CreateUser(ctx, "alice", nil)
				So(cerr, ShouldBeNil)
			})
		})

		Convey("When registration fails with rollback disabled", func() {
			m.registerErr = errModelDown
			svc, store := newService(m, service.WithRollbackOnRegisterFailure(false))
			_, _ = svc.CreateUser(ctx, "alice", nil)
			err := svc.InitializeTopics(ctx, "alice", []model.TopicID{"t1"})

			Convey("Then the local user is kept", func() {
				So(err, ShouldNotBeNil)
				_, gerr := store.GetUser(ctx, "alice")
				So(gerr, ShouldBeNil)
			})
		})

		Convey("When the user was never created", func() {
			svc, _ := newService(m)
			err := svc.InitializeTopics(ctx, "ghost", []model.TopicID{"t1"})

			Convey("Then NotFound is returned without calling the model", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(m.registerCount(), ShouldEqual, 0)
			})
		})
	})
}

func TestGetRecommendations(t *testing.T) {
	Convey("Given a user and a partially populated catalog", t, func() {
		ctx := context.Background()
		m := newMockModel()
		m.recs["alice"] = []model.RawRecommendation{
			{VideoID: "v3", Explanation: "e3"},
			{VideoID: "v1", Explanation: "e1"},
			{VideoID: "v2", Explanation: "e2"},
		}

		Convey("When recommending with the keep policy", func() {
			svc, store := newService(m)
			_, _ = svc.CreateUser(ctx, "alice", nil)
			_ = store.PutVideo(ctx, model.Video{VideoID: "v3", Title: "three"})
			_ = store.PutVideo(ctx, model.Video{VideoID: "v2", Title: "two"})
			recs, err := svc.GetRecommendations(ctx, "alice")

			Convey("Then the model order survives enrichment", func() {
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 3)
				So([]string{recs[0].VideoID, recs[1].VideoID, recs[2].VideoID}, ShouldResemble, []string{"v3", "v1", "v2"})
				So(recs[0].Video.Title, ShouldEqual, "three")
				So(recs[1].Found, ShouldBeFalse)
				So(recs[1].Video, ShouldBeNil)
				So(recs[1].Explanation, ShouldEqual, "e1")
			})
		})

		Convey("When recommending with the drop policy", func() {
			svc, store := newService(m, service.WithMissingPolicy(enrich.MissingDrop))
			_, _ = svc.CreateUser(ctx, "alice", nil)
			_ = store.PutVideo(ctx, model.Video{VideoID: "v2", Title: "two"})
			recs, err := svc.GetRecommendations(ctx, "alice")

			Convey("Then missing videos are omitted", func() {
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 1)
				So(recs[0].VideoID, ShouldEqual, "v2")
			})
		})

		Convey("When the model has nothing for the user", func() {
			svc, _ := newService(m)
			_, _ = svc.CreateUser(ctx, "bob", nil)
			recs, err := svc.GetRecommendations(ctx, "bob")

			Convey("Then an empty list is returned", func() {
				So(err, ShouldBeNil)
				So(recs, ShouldNotBeNil)
				So(recs, ShouldBeEmpty)
			})
		})

		Convey("When the model is unreachable", func() {
			m.recErr = errModelDown
			svc, _ := newService(m)
			_, _ = svc.CreateUser(ctx, "alice", nil)
			_, err := svc.GetRecommendations(ctx, "alice")

			Convey("Then the transport failure propagates", func() {
				So(errors.Is(err, modelclient.ErrTransport), ShouldBeTrue)
			})
		})

		Convey("When the user is unknown", func() {
			svc, _ := newService(m)
			_, err := svc.GetRecommendations(ctx, "ghost")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(m.recCalls, ShouldEqual, 0)
		})

		Convey("When many readers ask for the same user at once", func() {
			m.recGate = make(chan struct{})
			svc, _ := newService(m)
			_, _ = svc.CreateUser(ctx, "alice", nil)

			var wg sync.WaitGroup
			results := make([]int, 5)
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					recs, err := svc.GetRecommendations(ctx, "alice")
					if err == nil {
						results[i] = len(recs)
					}
				}()
			}
			time.Sleep(50 * time.Millisecond)
			close(m.recGate)
			wg.Wait()

			Convey("Then they share one model call", func() {
				So(m.recCalls, ShouldEqual, 1)
				So(results, ShouldResemble, []int{3, 3, 3, 3, 3})
			})
		})
	})
}

func TestRecordFeedback(t *testing.T) {
	Convey("Given an inline service with threshold 5", t, func() {
		ctx := context.Background()
		m := newMockModel()
		svc, store := newService(m, service.WithSyncThreshold(5))
		defer func() { _ = svc.Stop(ctx) }()
		_, _ = svc.CreateUser(ctx, "alice", nil)

		Convey("When four feedback items arrive", func() {
			acks, err := svc.RecordFeedback(ctx, feedback("alice", 4))

			Convey("Then nothing reaches the model", func() {
				So(err, ShouldBeNil)
				So(len(acks), ShouldEqual, 4)
				So(m.submitCount(), ShouldEqual, 0)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 4)
			})

			Convey("And a fifth one triggers exactly one sync with all five", func() {
				acks, err := svc.RecordFeedback(ctx, feedback("alice", 1))
				So(err, ShouldBeNil)
				So(acks[0].Synced, ShouldBeTrue)
				So(m.submitCount(), ShouldEqual, 1)
				So(len(m.submits[0]), ShouldEqual, 5)

				u, _ := store.GetUser(ctx, "alice")
				So(u.FeedbackLastUsed, ShouldEqual, acks[0].Timestamp)
			})
		})

		Convey("When the model is down at the threshold", func() {
			m.submitFailNext = 1
			acks, err := svc.RecordFeedback(ctx, feedback("alice", 5))

			Convey("Then the write still succeeds and the batch stays pending", func() {
				So(err, ShouldBeNil)
				So(len(acks), ShouldEqual, 5)
				So(acks[4].Synced, ShouldBeFalse)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 5)
			})

			Convey("And a read retries the sync", func() {
				_, err := svc.GetRecommendations(ctx, "alice")
				So(err, ShouldBeNil)
				So(m.submitCount(), ShouldEqual, 1)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 0)
			})
		})

		Convey("When the same id is submitted twice", func() {
			fb := model.Feedback{ID: "fb-1", UserID: "alice", VideoID: "v1"}
			first, err1 := svc.RecordFeedback(ctx, []model.Feedback{fb})
			second, err2 := svc.RecordFeedback(ctx, []model.Feedback{fb})

			Convey("Then the second is acknowledged as a duplicate and not stored", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first[0].Status, ShouldEqual, service.AckAccepted)
				So(second[0].Status, ShouldEqual, service.AckDuplicate)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 1)
			})
		})

		Convey("When items carry no id", func() {
			acks, _ := svc.RecordFeedback(ctx, feedback("alice", 2))

			Convey("Then distinct ids are generated", func() {
				So(acks[0].ID, ShouldNotBeEmpty)
				So(acks[0].ID, ShouldNotEqual, acks[1].ID)
			})
		})

		Convey("When an item is invalid", func() {
			items := feedback("alice", 3)
			items[2].Rating = 9
			_, err := svc.RecordFeedback(ctx, items)

			Convey("Then nothing from the request is stored", func() {
				So(errors.Is(err, service.ErrInvalidFeedback), ShouldBeTrue)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 0)
			})
		})

		Convey("When the user is unknown", func() {
			fb := model.Feedback{ID: "fb-ghost", UserID: "ghost", VideoID: "v1"}
			_, err := svc.RecordFeedback(ctx, []model.Feedback{fb})

			Convey("Then NotFound is returned and the id may be retried later", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				_, _ = svc.CreateUser(ctx, "ghost", nil)
				acks, err := svc.RecordFeedback(ctx, []model.Feedback{fb})
				So(err, ShouldBeNil)
				So(acks[0].Status, ShouldEqual, service.AckAccepted)
			})
		})
	})

	Convey("Given a service that was never started", t, func() {
		svc := service.New(repository.NewMemoryStore(), newMockModel())
		_, err := svc.RecordFeedback(context.Background(), feedback("alice", 1))
		So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
	})
}

func TestRecordFeedbackStoreFailures(t *testing.T) {
	Convey("Given a store that fails some writes", t, func() {
		ctx := context.Background()
		store := &flakyStore{MemoryStore: repository.NewMemoryStore(), failFor: map[string]bool{}}
		svc := service.New(store, newMockModel(), service.WithSyncThreshold(100))
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()
		_, _ = svc.CreateUser(ctx, "alice", nil)
		_, _ = svc.CreateUser(ctx, "bob", nil)

		Convey("When the middle item of a batch fails", func() {
			store.failFor["v1"] = true
			acks, err := svc.RecordFeedback(ctx, feedback("alice", 3))

			Convey("Then every item is acknowledged and only the failed one is missing", func() {
				So(errors.Is(err, errDiskFull), ShouldBeTrue)
				So(len(acks), ShouldEqual, 3)
				So(acks[0].Status, ShouldEqual, service.AckAccepted)
				So(acks[1].Status, ShouldEqual, service.AckFailed)
				So(acks[1].Error, ShouldContainSubstring, "disk full")
				So(acks[2].Status, ShouldEqual, service.AckAccepted)
				So(acks[0].ID, ShouldNotBeEmpty)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 2)
			})

			Convey("And resubmitting the failed id stores it", func() {
				retry := model.Feedback{ID: acks[1].ID, UserID: "alice", VideoID: "v1", Rating: 4}
				again, err := svc.RecordFeedback(ctx, []model.Feedback{retry})
				So(err, ShouldBeNil)
				So(again[0].Status, ShouldEqual, service.AckAccepted)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 3)
			})
		})

		Convey("When one user in the batch is unknown", func() {
			items := append(feedback("alice", 2), model.Feedback{UserID: "ghost", VideoID: "v9"})
			acks, err := svc.RecordFeedback(ctx, items)

			Convey("Then nothing is stored", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				So(acks, ShouldBeEmpty)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 0)
			})
		})

		Convey("When a retry of the same id arrives while the first write is failing", func() {
			store.failFor["v1"] = true
			store.gate = make(chan struct{})
			store.entered = make(chan struct{})
			fb := model.Feedback{ID: "fb-retry", UserID: "bob", VideoID: "v1", Rating: 3}

			firstDone := make(chan []service.FeedbackAck, 1)
			go func() {
				acks, _ := svc.RecordFeedback(ctx, []model.Feedback{fb})
				firstDone <- acks
			}()
			<-store.entered

			secondDone := make(chan []service.FeedbackAck, 1)
			go func() {
				acks, _ := svc.RecordFeedback(ctx, []model.Feedback{fb})
				secondDone <- acks
			}()
			time.Sleep(20 * time.Millisecond)
			close(store.gate)

			Convey("Then the retry is stored instead of being acknowledged as a duplicate", func() {
				first := <-firstDone
				second := <-secondDone
				So(first[0].Status, ShouldEqual, service.AckFailed)
				So(second[0].Status, ShouldEqual, service.AckAccepted)
				stored, err := store.GetFeedbackSince(ctx, "bob", 0)
				So(err, ShouldBeNil)
				So(len(stored), ShouldEqual, 1)
				So(stored[0].ID, ShouldEqual, "fb-retry")
			})
		})
	})
}

func TestUpdateProfile(t *testing.T) {
	Convey("Given a signed-up user", t, func() {
		ctx := context.Background()
		m := newMockModel()
		svc, store := newService(m, service.WithClock(fixedClock(5000)))
		defer func() { _ = svc.Stop(ctx) }()
		_, _ = svc.CreateUser(ctx, "alice", nil)
		prefs := model.Preferences{
			ExploitCoeff:  0.7,
			NRecsPerModel: 4,
			Topics:        []model.TopicScore{{ID: "12", Score: 0.9}, {ID: "jazz", Score: 0.2}},
		}

		Convey("When the preferences are updated", func() {
			u, err := svc.UpdateProfile(ctx, "alice", prefs)

			Convey("Then they are stored, the model rebuilds and the watermark is untouched", func() {
				So(err, ShouldBeNil)
				So(u.Preferences, ShouldNotBeNil)
				So(u.Preferences.ExploitCoeff, ShouldEqual, 0.7)
				So(len(u.Preferences.Topics), ShouldEqual, 2)
				So(u.FeedbackLastUsed, ShouldEqual, 5000)
				So(m.updates, ShouldEqual, 1)
				stored, _ := store.GetUser(ctx, "alice")
				So(stored.Preferences.NRecsPerModel, ShouldEqual, 4)
			})
		})

		Convey("When the model update fails", func() {
			m.updateErr = errModelDown
			_, err := svc.UpdateProfile(ctx, "alice", prefs)

			Convey("Then the preferences are still saved", func() {
				So(err, ShouldBeNil)
				stored, _ := store.GetUser(ctx, "alice")
				So(stored.Preferences, ShouldNotBeNil)
			})
		})

		Convey("When the coefficient is out of range", func() {
			prefs.ExploitCoeff = 1.5
			_, err := svc.UpdateProfile(ctx, "alice", prefs)

			Convey("Then nothing is stored and the model is not called", func() {
				So(errors.Is(err, service.ErrInvalidPreferences), ShouldBeTrue)
				So(m.updates, ShouldEqual, 0)
			})
		})

		Convey("When the user is unknown", func() {
			_, err := svc.UpdateProfile(ctx, "ghost", prefs)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			So(m.updates, ShouldEqual, 0)
		})
	})
}

func TestTopicsAndInteractions(t *testing.T) {
	Convey("Given a catalog with more topics than a page holds", t, func() {
		ctx := context.Background()
		svc, store := newService(newMockModel(), service.WithClock(fixedClock(5000)))
		defer func() { _ = svc.Stop(ctx) }()
		for i := 1; i <= 100; i++ {
			So(store.PutTopic(ctx, model.Topic{ID: model.TopicID(fmt.Sprint(i)), Description: "t"}), ShouldBeNil)
		}

		Convey("Then ListTopics returns the first 80 in id order", func() {
			topics, err := svc.ListTopics(ctx)
			So(err, ShouldBeNil)
			So(len(topics), ShouldEqual, 80)
			So(topics[0].ID, ShouldEqual, model.TopicID("1"))
			So(topics[79].ID, ShouldEqual, model.TopicID("80"))
		})

		Convey("When interactions are recorded", func() {
			_, _ = svc.CreateUser(ctx, "alice", nil)
			out, err := svc.RecordInteractions(ctx, []model.Interaction{
				{UserID: "alice", VideoID: "v1", Type: "click"},
				{UserID: "alice", Type: "scroll", Payload: map[string]any{"depth": 3}},
			})

			Convey("Then each gets an id and is kept out of the feedback stream", func() {
				So(err, ShouldBeNil)
				So(len(out), ShouldEqual, 2)
				So(out[0].ID, ShouldNotBeEmpty)
				So(len(store.Interactions("alice")), ShouldEqual, 2)
				p, _ := svc.Pending(ctx, "alice")
				So(p, ShouldEqual, 0)
			})
		})

		Convey("When an interaction has no type", func() {
			_, err := svc.RecordInteractions(ctx, []model.Interaction{{UserID: "alice"}})
			So(errors.Is(err, service.ErrInvalidInteraction), ShouldBeTrue)
			So(store.Interactions("alice"), ShouldBeEmpty)
		})
	})
}

func TestAsyncSync(t *testing.T) {
	Convey("Given an async service", t, func() {
		ctx := context.Background()
		m := newMockModel()
		svc, _ := newService(m,
			service.WithSyncMode(service.SyncAsync),
			service.WithWorkerCount(3),
			service.WithSyncOnRead(false),
		)
		for _, id := range []string{"alice", "bob"} {
			_, _ = svc.CreateUser(ctx, id, nil)
		}

		Convey("When feedback arrives in bursts", func() {
			var wg sync.WaitGroup
			for _, id := range []string{"alice", "bob"} {
				for i := 0; i < 12; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, _ = svc.RecordFeedback(ctx, feedback(id, 1))
					}()
				}
			}
			wg.Wait()

			Convey("Then workers fold every full batch and leave the rest pending", func() {
				settled := func() bool {
					for _, id := range []string{"alice", "bob"} {
						if p, err := svc.Pending(ctx, id); err != nil || p >= 5 {
							return false
						}
					}
					return true
				}
				deadline := time.Now().Add(2 * time.Second)
				for !settled() && time.Now().Before(deadline) {
					time.Sleep(5 * time.Millisecond)
				}
				So(settled(), ShouldBeTrue)
				So(svc.Stop(ctx), ShouldBeNil)

				seen := make(map[string]bool)
				for _, b := range m.submits {
					So(len(b), ShouldBeGreaterThanOrEqualTo, 5)
					for _, fb := range b {
						So(seen[fb.ID], ShouldBeFalse)
						seen[fb.ID] = true
					}
				}
				So(len(seen), ShouldBeGreaterThanOrEqualTo, 2*(12-4))
			})
		})

		Convey("Then stats describe the pool", func() {
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["syncMode"], ShouldEqual, "async")
			So(stats["workerCount"], ShouldEqual, 3)
			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})
}
