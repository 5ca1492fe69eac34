package model_test

import (
	"testing"

	json "github.com/goccy/go-json"

	model "github.com/okian/recsync/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

func TestLatestTimestamp(t *testing.T) {
	convey.Convey("Given feedback batches", t, func() {
		convey.Convey("When the batch is empty", func() {
			convey.So(model.LatestTimestamp(nil), convey.ShouldEqual, 0)
		})

		convey.Convey("When timestamps are out of order", func() {
			batch := []model.Feedback{{Timestamp: 20}, {Timestamp: 50}, {Timestamp: 30}}

			convey.Convey("Then the newest one wins", func() {
				convey.So(model.LatestTimestamp(batch), convey.ShouldEqual, 50)
			})
		})
	})
}

func TestUserProfileEmbedsUser(t *testing.T) {
	convey.Convey("Given a profile built from a user", t, func() {
		p := model.UserProfile{User: model.User{UserID: "alice", FeedbackLastUsed: 10}, Pending: 3}

		convey.Convey("Then user fields are promoted", func() {
			convey.So(p.UserID, convey.ShouldEqual, "alice")
			convey.So(p.FeedbackLastUsed, convey.ShouldEqual, 10)
			convey.So(p.Pending, convey.ShouldEqual, 3)
		})
	})
}

func TestTopicIDJSON(t *testing.T) {
	convey.Convey("Given topic ids posted by clients", t, func() {
		convey.Convey("When the list mixes integers and strings", func() {
			var ids []model.TopicID
			err := json.Unmarshal([]byte(`[1, 42, "jazz", "7"]`), &ids)

			convey.Convey("Then both forms decode", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(ids, convey.ShouldResemble, []model.TopicID{"1", "42", "jazz", "7"})
			})

			convey.Convey("Then digit ids go back out as integers", func() {
				out, err := json.Marshal(ids)
				convey.So(err, convey.ShouldBeNil)
				convey.So(string(out), convey.ShouldEqual, `[1,42,"jazz",7]`)
			})
		})

		convey.Convey("When an id is not canonical or not a number", func() {
			out, err := json.Marshal([]model.TopicID{"007", ""})
			convey.So(err, convey.ShouldBeNil)
			convey.So(string(out), convey.ShouldEqual, `["007",""]`)

			var ids []model.TopicID
			convey.So(json.Unmarshal([]byte(`[1.5]`), &ids), convey.ShouldNotBeNil)
			convey.So(json.Unmarshal([]byte(`[{"id":1}]`), &ids), convey.ShouldNotBeNil)
		})
	})
}
