package protocol

import "testing"

func TestStreamFramerSingleFrameInOneRead(t *testing.T) {
	var f StreamFramer
	raw := Encode(Header{Length: 4, Cmd: CmdControl}, []byte{1, 2, 3, 4})

	frames, err := f.Push(raw)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Header.Cmd != CmdControl {
		t.Errorf("Cmd = %d, want %d", frames[0].Header.Cmd, CmdControl)
	}
}

func TestStreamFramerSplitAcrossReads(t *testing.T) {
	var f StreamFramer
	raw := Encode(Header{Length: 10, Cmd: CmdVideo}, make([]byte, 10))

	frames, err := f.Push(raw[:HeaderSize+3])
	if err != nil {
		t.Fatalf("Push partial: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(frames))
	}

	frames, err = f.Push(raw[HeaderSize+3:])
	if err != nil {
		t.Fatalf("Push rest: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
}

func TestStreamFramerMultipleFramesInOneRead(t *testing.T) {
	var f StreamFramer
	a := Encode(Header{Length: 2, Cmd: CmdControl}, []byte{1, 2})
	b := Encode(Header{Length: 3, Cmd: CmdVideo}, []byte{3, 4, 5})

	frames, err := f.Push(append(a, b...))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Header.Cmd != CmdControl || frames[1].Header.Cmd != CmdVideo {
		t.Errorf("frames = %+v", frames)
	}
}

func TestStreamFramerLeavesPartialTrailingFrameBuffered(t *testing.T) {
	var f StreamFramer
	a := Encode(Header{Length: 2, Cmd: CmdControl}, []byte{1, 2})
	b := Encode(Header{Length: 5, Cmd: CmdVideo}, []byte{1, 2, 3, 4, 5})

	frames, err := f.Push(append(a, b[:HeaderSize+2]...))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1 (second frame incomplete)", len(frames))
	}
	if len(f.buf) != HeaderSize+2 {
		t.Errorf("buffered bytes = %d, want %d", len(f.buf), HeaderSize+2)
	}
}
