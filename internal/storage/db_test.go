// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package storage_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/storage"
)

func migrations(t *testing.T) storage.Migrations {
	t.Helper()
	schema, err := os.ReadFile(filepath.Join("..", "..", "schema.sql"))
	if err != nil {
		t.Fatalf("error reading schema: %v", err)
	}
	settings, err := os.ReadFile(filepath.Join("..", "..", "settings.sql"))
	if err != nil {
		t.Fatalf("error reading settings schema: %v", err)
	}
	return storage.Migrations{
		{Version: 1, Up: string(schema)},
		{Version: 2, Up: string(settings), Down: "DROP TABLE settings;"},
	}
}

func openDB(t *testing.T, path string) *storage.DB {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "test.db")
	}
	discard := log.New(io.Discard, "", 0)
	db, err := storage.OpenDB(context.Background(), "soulchat", "test", path, migrations(t), message.NewPrinter(language.English), discard)
	if err != nil {
		t.Fatalf("error opening database: %v", err)
	}
	t.Cleanup(func() {
		/* #nosec */
		db.Close()
	})
	return db
}

var (
	doctor  = chat.Participant{ID: 2, Username: "drwho", FullName: "Dr. Who", Role: "psychiatrist"}
	patient = chat.Participant{ID: 7, Username: "amy", Role: "patient"}
	t0      = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
)

func newMessage(id, conv int64, from chat.Participant, body string, offset time.Duration) chat.Message {
	return chat.Message{
		ID:           id,
		Conversation: conv,
		Sender:       from,
		Content:      body,
		Timestamp:    t0.Add(offset),
	}
}

func TestConversations(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, "")

	convs, err := db.Conversations(ctx)
	if err != nil {
		t.Fatalf("error listing empty conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("expected no conversations, got %v", convs)
	}

	last := newMessage(10, 1, doctor, "see you tomorrow", time.Minute)
	want := []chat.Conversation{
		{ID: 3, Other: chat.Participant{ID: 9, Username: "rory"}, Unread: 1},
		{ID: 1, Other: doctor, LastMessage: &last, Unread: 2},
	}
	if err := db.SaveConversations(ctx, want); err != nil {
		t.Fatalf("error saving conversations: %v", err)
	}
	got, err := db.Conversations(ctx)
	if err != nil {
		t.Fatalf("error listing conversations: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("wrong conversations: want=%+v, got=%+v", want, got)
	}

	// Saving again replaces the list.
	if err := db.SaveConversations(ctx, want[1:]); err != nil {
		t.Fatalf("error replacing conversations: %v", err)
	}
	got, err = db.Conversations(ctx)
	if err != nil {
		t.Fatalf("error listing conversations: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("wrong conversations after replace: %+v", got)
	}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, "")
	err := db.SaveConversations(ctx, []chat.Conversation{{ID: 1, Other: doctor}})
	if err != nil {
		t.Fatalf("error saving conversations: %v", err)
	}

	msgs := []chat.Message{
		newMessage(101, 1, doctor, "hello", 0),
		newMessage(102, 1, patient, "hi", time.Second),
		// Same timestamp, ordered by ID.
		newMessage(104, 1, doctor, "b", 2*time.Second),
		newMessage(103, 1, doctor, "a", 2*time.Second),
		newMessage(900, 2, doctor, "other conversation", 0),
	}
	if err := db.SaveHistory(ctx, 1, msgs); err != nil {
		t.Fatalf("error saving history: %v", err)
	}
	got, err := db.History(ctx, 1)
	if err != nil {
		t.Fatalf("error reading history: %v", err)
	}
	var ids []int64
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if want := []int64{101, 102, 103, 104}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("wrong history order: want=%v, got=%v", want, ids)
	}
	if !reflect.DeepEqual(got[1], msgs[1]) {
		t.Fatalf("message did not round trip: want=%+v, got=%+v", msgs[1], got[1])
	}

	convs, err := db.Conversations(ctx)
	if err != nil {
		t.Fatalf("error listing conversations: %v", err)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != 104 {
		t.Fatalf("last message not updated after saving history: %+v", convs[0].LastMessage)
	}

	// A live message becomes the last message.
	if err := db.InsertMessage(ctx, newMessage(105, 1, patient, "bye", time.Hour)); err != nil {
		t.Fatalf("error inserting message: %v", err)
	}
	convs, _ = db.Conversations(ctx)
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != 105 {
		t.Fatalf("last message not updated after insert: %+v", convs[0].LastMessage)
	}

	// Deleting it falls back to the previous message.
	if err := db.DeleteMessage(ctx, 105); err != nil {
		t.Fatalf("error deleting message: %v", err)
	}
	if err := db.DeleteMessage(ctx, 105); err != nil {
		t.Fatalf("deleting a missing message should not fail: %v", err)
	}
	convs, _ = db.Conversations(ctx)
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != 104 {
		t.Fatalf("last message not recomputed after delete: %+v", convs[0].LastMessage)
	}

	// Replacing the history drops messages that are gone.
	if err := db.SaveHistory(ctx, 1, msgs[:1]); err != nil {
		t.Fatalf("error replacing history: %v", err)
	}
	got, err = db.History(ctx, 1)
	if err != nil {
		t.Fatalf("error reading history: %v", err)
	}
	if len(got) != 1 || got[0].ID != 101 {
		t.Fatalf("wrong history after replace: %+v", got)
	}
}

func TestQueryHistoryReleasesLock(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, "")
	if err := db.InsertMessage(ctx, newMessage(1, 1, doctor, "x", 0)); err != nil {
		t.Fatalf("error inserting message: %v", err)
	}
	iter := db.QueryHistory(ctx, 1)
	for iter.Next() {
		if iter.Message().ID != 1 {
			t.Fatalf("wrong message: %+v", iter.Message())
		}
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("error iterating: %v", err)
	}
	if err := iter.Close(); err != nil {
		t.Fatalf("error closing iter: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- db.InsertMessage(ctx, newMessage(2, 1, doctor, "y", time.Second))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("error inserting after iteration: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("database still locked after the iter was closed")
	}
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")
	db := openDB(t, path)

	id, err := db.SessionID(ctx)
	if err != nil {
		t.Fatalf("error creating session ID: %v", err)
	}
	if id == "" {
		t.Fatal("expected a session ID")
	}
	again, err := db.SessionID(ctx)
	if err != nil {
		t.Fatalf("error reading session ID: %v", err)
	}
	if again != id {
		t.Fatalf("session ID changed: want=%q, got=%q", id, again)
	}

	name, err := db.DisplayName(ctx)
	if err != nil {
		t.Fatalf("error reading empty display name: %v", err)
	}
	if name != "" {
		t.Fatalf("expected no display name, got %q", name)
	}
	if err := db.SetDisplayName(ctx, "Amy Pond"); err != nil {
		t.Fatalf("error setting display name: %v", err)
	}
	/* #nosec */
	db.Close()

	// Settings survive reopening, and reopening does not rerun migrations.
	db = openDB(t, path)
	name, err = db.DisplayName(ctx)
	if err != nil {
		t.Fatalf("error reading display name: %v", err)
	}
	if name != "Amy Pond" {
		t.Fatalf("wrong display name: want=%q, got=%q", "Amy Pond", name)
	}
	again, err = db.SessionID(ctx)
	if err != nil {
		t.Fatalf("error reading session ID: %v", err)
	}
	if again != id {
		t.Fatalf("session ID changed after reopening: want=%q, got=%q", id, again)
	}

	var version uint
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("error reading schema version: %v", err)
	}
	if version != 2 {
		t.Fatalf("wrong schema version: want=2, got=%d", version)
	}
}
