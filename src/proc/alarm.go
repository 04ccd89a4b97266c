package proc

import "time"

// sleepTicks blocks for the given number of simulated timer ticks. The
// real alarm primitive suspends the caller on a condition variable
// broadcast from the timer interrupt handler; absent a real timer
// interrupt here, a wall-clock sleep of the equivalent duration is the
// faithful stand-in, at TimerFreq ticks per second.
func sleepTicks(ticks uint64) {
	time.Sleep(time.Duration(ticks) * time.Second / TimerFreq)
}
