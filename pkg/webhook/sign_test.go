package webhook

import "testing"

func TestSignAndVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"job_id":"abc","state":"SUCCEEDED"}`)
	sig := Sign("shh-its-secret", body)

	if !Verify("shh-its-secret", body, sig) {
		t.Fatal("expected signature to verify with correct secret")
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"job_id":"abc","state":"SUCCEEDED"}`)
	sig := Sign("shh-its-secret", body)

	tampered := []byte(`{"job_id":"abc","state":"FAILED"}`)
	if Verify("shh-its-secret", tampered, sig) {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"job_id":"abc","state":"SUCCEEDED"}`)
	sig := Sign("shh-its-secret", body)

	if Verify("wrong-secret", body, sig) {
		t.Fatal("expected wrong secret to fail verification")
	}
}
