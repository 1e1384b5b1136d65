// Copyright (c) 2015 - The Event Horizon authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mongodb_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"testing"

	tcmongodb "github.com/testcontainers/testcontainers-go/modules/mongodb"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/repo"
	"github.com/looplab/eventsource/repo/mongodb"
	"github.com/looplab/eventsource/uuid"
)

// mongoURL returns the URL of MONGODB_ADDR, or of a replica set started in a
// container.
func mongoURL(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	if addr := os.Getenv("MONGODB_ADDR"); addr != "" {
		return "mongodb://" + addr
	}

	ctx := context.Background()

	c, err := tcmongodb.Run(ctx, "mongo:7", tcmongodb.WithReplicaSet("rs0"))
	if err != nil {
		t.Skip("no MongoDB available:", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Log("could not terminate container:", err)
		}
	})

	url, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	return url
}

func newRepository(t *testing.T) *mongodb.Repository {
	t.Helper()

	url := mongoURL(t)

	// Get a random DB name.
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	db := "test-" + hex.EncodeToString(b)

	t.Log("using DB:", db)

	r, err := mongodb.NewRepository(url, db, mongodb.WithConnectionCheck())
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	t.Cleanup(func() {
		if err := r.Clear(context.Background()); err != nil {
			t.Error("there should be no error:", err)
		}
		if err := r.Close(); err != nil {
			t.Error("there should be no error:", err)
		}
	})

	return r
}

func TestRepositoryIntegration(t *testing.T) {
	r := newRepository(t)

	repo.AcceptanceTest(t, r, context.Background())
}

func TestStateRoundTripIntegration(t *testing.T) {
	r := newRepository(t)
	ctx := context.Background()

	agg := &mocks.Aggregate{Content: "content", Counter: 3, Items: []string{"a", "b"}}
	if err := r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		return tx.SaveAggregate(ctx, agg)
	}); err != nil {
		t.Fatal("there should be no error:", err)
	}

	a, err := r.FindAggregate(ctx, mocks.AggregateType, agg.ID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	got := a.(*mocks.Aggregate)
	if got.Content != "content" || got.Counter != 3 || len(got.Items) != 2 {
		t.Error("the aggregate should be correct:", got)
	}
	if !got.CreatedAt.Equal(agg.CreatedAt) {
		t.Error("the created time should be kept:", got.CreatedAt, agg.CreatedAt)
	}

	// Wrong type is not found.
	if _, err := r.FindAggregate(ctx, "other.aggregate", agg.ID); !errors.Is(err, es.ErrAggregateNotFound) {
		t.Error("there should be a ErrAggregateNotFound error:", err)
	}

	// Updating a missing aggregate fails.
	missing := &mocks.Aggregate{}
	missing.ID = uuid.New()
	err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		return tx.SaveAggregate(ctx, missing)
	})
	if !errors.Is(err, es.ErrAggregateNotFound) {
		t.Error("there should be a ErrAggregateNotFound error:", err)
	}
}

func TestOptions(t *testing.T) {
	if _, err := mongodb.NewRepositoryWithClient(nil, "db"); err == nil {
		t.Error("there should be an error")
	}
	if _, err := mongodb.NewRepository("mongodb://localhost:1", "db",
		mongodb.WithCollectionNames("a", "a", "c")); err == nil {
		t.Error("there should be an error")
	}
}
