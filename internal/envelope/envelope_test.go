package envelope

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Envelope{
		FileName:   "report.xlsx",
		BatchID:    "b-1",
		JobID:      "j-9",
		RetryCount: 2,
		FileStatus: true,
		NotifyTo:   "ops@example.com",
		Rerun:      true,
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestDecodeIsPermissive(t *testing.T) {
	// Envelopes from other pipeline versions may carry extra fields or omit
	// optional ones; neither may fail the decode.
	out, err := Decode([]byte(`{"FileName":"a.csv","Batch_ID":"b-2","SomeFutureField":7}`))
	if err != nil {
		t.Fatalf("decode raw json: %v", err)
	}
	if out.FileName != "a.csv" || out.BatchID != "b-2" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	if out.RetryCount != 0 || out.JobID != "" || out.FileStatus {
		t.Fatalf("missing fields should stay at defaults: %+v", out)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an envelope")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
