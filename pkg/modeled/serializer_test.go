package modeled

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

type instance struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

func TestJSONSerializer(t *testing.T) {
	s := JSON[instance]()
	if s.ContentType() != "application/json" {
		t.Errorf("ContentType() = %q", s.ContentType())
	}

	got, err := s.Deserialize([]byte(`{"id":"a","port":80,"zone":"eu"}`))
	if err != nil {
		t.Fatalf("Deserialize() with unknown field error = %v", err)
	}
	if got != (instance{ID: "a", Port: 80}) {
		t.Errorf("Deserialize() = %+v", got)
	}

	if _, err := s.Deserialize(nil); !errors.Is(err, ErrInvalidData) {
		t.Errorf("empty data error = %v, want ErrInvalidData", err)
	}
	if _, err := s.Deserialize([]byte("{")); err == nil {
		t.Error("expected error for truncated json")
	}
}

func TestProtoSerializer(t *testing.T) {
	s := Proto(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	if s.ContentType() != "application/protobuf" {
		t.Errorf("ContentType() = %q", s.ContentType())
	}

	empty, err := s.Deserialize(nil)
	if err != nil {
		t.Fatalf("Deserialize(nil) error = %v", err)
	}
	if empty.GetValue() != "" {
		t.Errorf("empty message = %v", empty)
	}
	if _, err := s.Deserialize([]byte{0xff, 0xff}); err == nil {
		t.Error("expected error for invalid wire data")
	}
}

func TestRawSerializer(t *testing.T) {
	s := Raw()
	data, _ := s.Serialize([]byte("x"))
	back, _ := s.Deserialize(data)
	if string(back) != "x" {
		t.Errorf("round trip = %q", back)
	}
}
